package ikey

import "testing"

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		name string
		a, b Key
		want int
	}{
		{"user key ascending", Make([]byte("a"), 1, KindValue), Make([]byte("b"), 1, KindValue), -1},
		{"same user key newer seq first", Make([]byte("k"), 5, KindValue), Make([]byte("k"), 3, KindValue), -1},
		{"same seq value before tombstone", Make([]byte("k"), 5, KindValue), Make([]byte("k"), 5, KindTombstone), -1},
		{"equal", Make([]byte("k"), 5, KindValue), Make([]byte("k"), 5, KindValue), 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Compare(c.a, c.b)
			if (got < 0) != (c.want < 0) || (got > 0) != (c.want > 0) || (got == 0) != (c.want == 0) {
				t.Fatalf("Compare(%+v, %+v) = %d, want sign %d", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	k := Make([]byte("hello"), 42, KindValue)
	enc := Encode(k)
	dec, ok := Decode(enc)
	if !ok {
		t.Fatal("Decode failed")
	}
	if string(dec.UserKey) != "hello" || dec.Seq != 42 || dec.Kind != KindValue {
		t.Fatalf("round trip mismatch: %+v", dec)
	}
}

func TestDecodePreservesOrder(t *testing.T) {
	keys := []Key{
		Make([]byte("a"), 1, KindValue),
		Make([]byte("a"), 2, KindValue),
		Make([]byte("b"), 1, KindValue),
	}
	for i := 1; i < len(keys); i++ {
		prev, cur := Encode(keys[i-1]), Encode(keys[i])
		if Compare(keys[i-1], keys[i]) >= 0 {
			continue
		}
		decPrev, _ := Decode(prev)
		decCur, _ := Decode(cur)
		if Compare(decPrev, decCur) >= 0 {
			t.Fatalf("decoded order mismatch for %v vs %v", keys[i-1], keys[i])
		}
	}
}
