package canonical_test

import (
	"errors"
	"math"
	"testing"

	"github.com/sonate-protocol/sonate/internal/canonical"
)

func TestMarshal_sortsObjectKeys(t *testing.T) {
	a := map[string]any{"user": "alice", "action": "login", "ts": int64(1000)}
	b := map[string]any{"ts": int64(1000), "action": "login", "user": "alice"}

	ca, err := canonical.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}

	if string(ca) != string(cb) {
		t.Errorf("same fields, different bytes: %q vs %q", ca, cb)
	}
	if want := `{"action":"login","ts":1000,"user":"alice"}`; string(ca) != want {
		t.Errorf("canonical form = %q, want %q", ca, want)
	}
}

func TestMarshal_nestedObjectsSortedAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"b": map[string]any{"z": int64(1), "a": int64(2)},
		"a": []any{map[string]any{"y": true, "x": false}},
	}
	got, err := canonical.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":[{"x":false,"y":true}],"b":{"a":2,"z":1}}`
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshal_explicitNull(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{"agent_id": nil})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"agent_id":null}`; string(got) != want {
		t.Errorf("nil field rendered as %q, want %q", got, want)
	}
}

func TestMarshal_integersStayIntegers(t *testing.T) {
	// Millisecond timestamps must not pick up float formatting.
	got, err := canonical.Marshal(map[string]any{"timestamp": int64(1735689600123)})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"timestamp":1735689600123}`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshal_numberFormatting(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{float64(0), "0"},
		{float64(1), "1"},
		{1.5, "1.5"},
		{-0.25, "-0.25"},
		{0.87, "0.87"},
		{float64(1e21), "1e21"},
	}
	for _, c := range cases {
		got, err := canonical.Marshal(c.in)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", c.in, err)
		}
		if string(got) != c.want {
			t.Errorf("Marshal(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMarshal_stringEscapes(t *testing.T) {
	got, err := canonical.Marshal("a\"b\\c\nd")
	if err != nil {
		t.Fatal(err)
	}
	if want := `"a\"b\\c\nd"`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshal_rejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := canonical.Marshal(v); !errors.Is(err, canonical.ErrNotCanonicalizable) {
			t.Errorf("Marshal(%v) err = %v, want ErrNotCanonicalizable", v, err)
		}
	}
}

func TestMarshal_rejectsNonSerializable(t *testing.T) {
	if _, err := canonical.Marshal(map[string]any{"fn": func() {}}); !errors.Is(err, canonical.ErrNotCanonicalizable) {
		t.Errorf("function value: err = %v, want ErrNotCanonicalizable", err)
	}
	if _, err := canonical.Marshal(make(chan int)); !errors.Is(err, canonical.ErrNotCanonicalizable) {
		t.Errorf("channel value: err = %v, want ErrNotCanonicalizable", err)
	}
}

func TestMarshal_rejectsCyclicStructures(t *testing.T) {
	direct := map[string]any{}
	direct["self"] = direct
	if _, err := canonical.Marshal(direct); !errors.Is(err, canonical.ErrNotCanonicalizable) {
		t.Errorf("self-referential map: err = %v, want ErrNotCanonicalizable", err)
	}

	arr := []any{nil}
	arr[0] = arr
	if _, err := canonical.Marshal(map[string]any{"a": arr}); !errors.Is(err, canonical.ErrNotCanonicalizable) {
		t.Errorf("self-referential slice: err = %v, want ErrNotCanonicalizable", err)
	}

	outer := map[string]any{}
	inner := map[string]any{"outer": outer}
	outer["inner"] = inner
	if _, err := canonical.Marshal(outer); !errors.Is(err, canonical.ErrNotCanonicalizable) {
		t.Errorf("indirect cycle: err = %v, want ErrNotCanonicalizable", err)
	}
}

func TestMarshal_sharedValueIsNotACycle(t *testing.T) {
	shared := map[string]any{"x": int64(1)}
	got, err := canonical.Marshal(map[string]any{"left": shared, "right": shared})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"left":{"x":1},"right":{"x":1}}`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshal_unsignedIntegersStayExact(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{
		"max":  uint64(math.MaxUint64),
		"wide": uint(1<<53 + 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"max":18446744073709551615,"wide":9007199254740993}`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshal_typedSlicesNormalize(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{
		"issues": []string{"b", "a"},
		"counts": map[string]int{"z": 1, "a": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"counts":{"a":2,"z":1},"issues":["b","a"]}`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshalJSON_reordersAndCompacts(t *testing.T) {
	got, err := canonical.MarshalJSON([]byte(" {\"b\": 1, \"a\": 2} "))
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a":2,"b":1}`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshalJSON_rejectsTrailingData(t *testing.T) {
	if _, err := canonical.MarshalJSON([]byte(`{"a":1} {"b":2}`)); !errors.Is(err, canonical.ErrNotCanonicalizable) {
		t.Errorf("trailing data: err = %v, want ErrNotCanonicalizable", err)
	}
}

func TestMarshal_structsUseJSONTags(t *testing.T) {
	type rec struct {
		B string  `json:"b"`
		A int64   `json:"a"`
		C *string `json:"c"`
	}
	got, err := canonical.Marshal(rec{B: "x", A: 7})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a":7,"b":"x","c":null}`; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
