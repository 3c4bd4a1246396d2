package json

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Extra map[string]int `json:"extra,omitempty"`
}

func TestMarshalUnmarshal(t *testing.T) {
	in := sample{Name: "task", Count: 2}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"name":"task","count":2}` {
		t.Errorf("unexpected encoding %s", data)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestMapKeysSorted(t *testing.T) {
	data := MustMarshal(sample{Extra: map[string]int{"b": 2, "a": 1}})
	if !strings.Contains(string(data), `"extra":{"a":1,"b":2}`) {
		t.Errorf("expected sorted keys, got %s", data)
	}
}

func TestRawMessagePassthrough(t *testing.T) {
	var v struct {
		Result RawMessage `json:"result"`
	}
	if err := Unmarshal([]byte(`{"result":{"url":"x"}}`), &v); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if string(v.Result) != `{"url":"x"}` {
		t.Errorf("raw message = %s", v.Result)
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		`{"key": "value"}`: true,
		`[1, 2, 3]`:        true,
		`invalid`:          false,
		`{"unclosed": }`:   false,
	}
	for input, want := range cases {
		if got := Valid([]byte(input)); got != want {
			t.Errorf("Valid(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(sample{Name: "a"}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var out sample
	if err := NewDecoder(&buf).Decode(&out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Name != "a" {
		t.Errorf("decoded %+v", out)
	}
}
