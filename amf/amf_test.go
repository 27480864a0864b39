package amf

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip0(t *testing.T, v any) any {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(v))
	out, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "trailing bytes")
	return out
}

func roundTrip3(t *testing.T, v any) any {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewEncoder3(&buf).Encode(v))
	out, err := NewDecoder3(&buf).Decode()
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "trailing bytes")
	return out
}

func TestAMF0RoundTrip(t *testing.T) {
	date := time.Date(2024, 5, 17, 10, 30, 0, 123e6, time.UTC)
	nested := NewObject("").
		Set("name", "widget").
		Set("tags", []any{"a", "b"}).
		Set("inner", NewObject("").Set("ok", true))
	typed := NewObject("com.example.Point").Set("x", 1.0).Set("y", -2.5)

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, nil},
		{"undefined", Undefined{}, Undefined{}},
		{"true", true, true},
		{"false", false, false},
		{"float", 3.25, 3.25},
		{"int becomes number", 42, float64(42)},
		{"uint64", uint64(7), float64(7)},
		{"string", "héllo", "héllo"},
		{"empty string", "", ""},
		{"date", date, date},
		{"array", []any{1.0, "two", nil}, []any{1.0, "two", nil}},
		{"typed slice", []string{"a", "b"}, []any{"a", "b"}},
		{"bytes", []byte{1, 2}, []any{1.0, 2.0}},
		{"object", nested, nested},
		{"typed object", typed, typed},
		{"map", map[string]any{"b": 2.0, "a": 1.0}, NewObject("").Set("a", 1.0).Set("b", 2.0)},
		{"nil pointer", (*Object)(nil), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, roundTrip0(t, tc.in))
		})
	}
}

func TestAMF0LongString(t *testing.T) {
	long := string(bytes.Repeat([]byte("x"), math.MaxUint16+1))
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(long))
	assert.Equal(t, amf0LongString, buf.Bytes()[0])
	out, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)
	assert.Equal(t, long, out)
}

func TestAMF0Decode(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want any
	}{
		{"ecma array", []byte{
			0x08, 0, 0, 0, 1,
			0, 1, 'k', 0x02, 0, 1, 'v',
			0, 0, 0x09,
		}, NewObject("").Set("k", "v")},
		{"reference", []byte{
			0x0A, 0, 0, 0, 2,
			0x03, 0, 1, 'a', 0x01, 0x01, 0, 0, 0x09,
			0x07, 0, 1,
		}, nil},
		{"xml", []byte{0x0F, 0, 0, 0, 3, '<', 'a', '>'}, "<a>"},
		{"unsupported", []byte{0x0D}, Undefined{}},
		{"switch to amf3", []byte{0x11, 0x04, 0x7F}, 127},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := NewDecoder(bytes.NewReader(tc.in)).Decode()
			require.NoError(t, err)
			if tc.name == "reference" {
				arr := out.([]any)
				require.Len(t, arr, 2)
				assert.Same(t, arr[0], arr[1])
				return
			}
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestAMF0DecodeErrors(t *testing.T) {
	cases := map[string][]byte{
		"unknown marker":      {0x04},
		"bad reference":       {0x07, 0, 5},
		"truncated number":    {0x00, 1, 2},
		"truncated string":    {0x02, 0, 5, 'a'},
		"missing end marker":  {0x03, 0, 0, 0x05},
		"truncated property":  {0x03, 0, 1, 'a'},
		"empty input":         {},
		"truncated long str":  {0x0C, 0xFF, 0xFF, 0xFF, 0xFF, 'a'},
		"truncated amf3 body": {0x11, 0x06},
	}
	for name, in := range cases {
		_, err := NewDecoder(bytes.NewReader(in)).Decode()
		assert.Error(t, err, name)
	}

	var unknown *UnknownMarkerError
	_, err := NewDecoder(bytes.NewReader([]byte{0x04})).Decode()
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, byte(0x04), unknown.Marker)
}

func TestEncodeUnsupported(t *testing.T) {
	var unsupported *UnsupportedTypeError
	err := NewEncoder(&bytes.Buffer{}).Encode(make(chan int))
	require.ErrorAs(t, err, &unsupported)

	err = NewEncoder3(&bytes.Buffer{}).Encode(NewObject("").Set("f", func() {}))
	require.ErrorAs(t, err, &unsupported)
	assert.Contains(t, err.Error(), `property "f"`)

	err = NewEncoder(&bytes.Buffer{}).Encode(map[int]string{1: "a"})
	require.ErrorAs(t, err, &unsupported)
}

func TestAMF3RoundTrip(t *testing.T) {
	date := time.Date(2020, 1, 2, 3, 4, 5, 6e6, time.UTC)
	obj := NewObject("").Set("name", "x").Set("name2", "x").Set("n", 1.5)
	typed := NewObject("flex.messaging.messages.RemotingMessage").
		Set("body", []any{"hello"}).
		Set("operation", "send").
		Set("source", "chat")

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, nil},
		{"undefined", Undefined{}, Undefined{}},
		{"bools", []any{true, false}, []any{true, false}},
		{"small int", 5, 5},
		{"negative int", -1, -1},
		{"min int29", minInt29, minInt29},
		{"max int29", maxInt29, maxInt29},
		{"above int29", maxInt29 + 1, float64(maxInt29 + 1)},
		{"below int29", minInt29 - 1, float64(minInt29 - 1)},
		{"double", 0.1, 0.1},
		{"string", "hello", "hello"},
		{"repeated strings", []any{"dup", "dup", ""}, []any{"dup", "dup", ""}},
		{"date", date, date},
		{"bytes", []byte{0, 1, 254}, []byte{0, 1, 254}},
		{"empty bytes", []byte{}, []byte{}},
		{"anonymous object", obj, obj},
		{"typed object", typed, typed},
		{"nested array", []any{[]any{1}, []any{}}, []any{[]any{1}, []any{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, roundTrip3(t, tc.in))
		})
	}
}

func TestAMF3U29(t *testing.T) {
	cases := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x81, 0x00}},
		{0x3FFF, []byte{0xFF, 0x7F}},
		{0x4000, []byte{0x81, 0x80, 0x00}},
		{0x1FFFFF, []byte{0xFF, 0xFF, 0x7F}},
		{0x200000, []byte{0x80, 0xC0, 0x80, 0x00}},
		{0x1FFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		e := NewEncoder3(&buf)
		require.NoError(t, e.writeU29(tc.v))
		assert.Equal(t, tc.want, buf.Bytes(), "encode 0x%X", tc.v)

		got, err := NewDecoder3(&buf).readU29()
		require.NoError(t, err)
		assert.Equal(t, tc.v, got, "decode 0x%X", tc.v)
	}
}

func TestAMF3StringReferences(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder3(&buf).Encode([]any{"ab", "ab"}))
	// array, 2 items, empty assoc, "ab" inline, then reference 0
	assert.Equal(t, []byte{0x09, 0x05, 0x01, 0x06, 0x05, 'a', 'b', 0x06, 0x00}, buf.Bytes())
}

func TestAMF3Decode(t *testing.T) {
	t.Run("object reference", func(t *testing.T) {
		in := []byte{
			0x09, 0x05, 0x01, // array of 2
			0x0A, 0x0B, 0x01, 0x03, 'k', 0x04, 0x01, 0x01, // {k: 1}
			0x0A, 0x02, // reference to object 1
		}
		out, err := NewDecoder3(bytes.NewReader(in)).Decode()
		require.NoError(t, err)
		arr := out.([]any)
		require.Len(t, arr, 2)
		assert.Same(t, arr[0], arr[1])
		assert.Equal(t, 1, arr[0].(*Object).Values["k"])
	})

	t.Run("traits reference", func(t *testing.T) {
		in := []byte{
			0x09, 0x05, 0x01,
			0x0A, 0x13, 0x03, 'P', 0x03, 'x', 0x04, 0x01, // P{x: 1}, sealed, 1 member
			0x0A, 0x01, 0x04, 0x02, // traits ref 0, x: 2
		}
		out, err := NewDecoder3(bytes.NewReader(in)).Decode()
		require.NoError(t, err)
		arr := out.([]any)
		second := arr[1].(*Object)
		assert.Equal(t, "P", second.Class)
		assert.Equal(t, 2, second.Values["x"])
	})

	t.Run("associative array", func(t *testing.T) {
		in := []byte{0x09, 0x03, 0x03, 'k', 0x06, 0x03, 'v', 0x01, 0x04, 0x07}
		out, err := NewDecoder3(bytes.NewReader(in)).Decode()
		require.NoError(t, err)
		assert.Equal(t, NewObject("").Set("k", "v").Set("0", 7), out)
	})

	t.Run("array collection", func(t *testing.T) {
		in := []byte{0x0A, 0x07, 0x43}
		in = append(in, ArrayCollectionClass...)
		in = append(in, 0x09, 0x03, 0x01, 0x06, 0x03, 'x')
		require.Equal(t, len(ArrayCollectionClass), 0x21)
		out, err := NewDecoder3(bytes.NewReader(in)).Decode()
		require.NoError(t, err)
		assert.Equal(t, []any{"x"}, out)
	})

	t.Run("vector int", func(t *testing.T) {
		in := []byte{0x0D, 0x05, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x02}
		out, err := NewDecoder3(bytes.NewReader(in)).Decode()
		require.NoError(t, err)
		assert.Equal(t, []any{-1, 2}, out)
	})

	t.Run("xml", func(t *testing.T) {
		out, err := NewDecoder3(bytes.NewReader([]byte{0x0B, 0x07, '<', 'a', '>'})).Decode()
		require.NoError(t, err)
		assert.Equal(t, "<a>", out)
	})
}

func TestAMF3DecodeErrors(t *testing.T) {
	cases := map[string][]byte{
		"dictionary":       {0x11, 0x03, 0x00},
		"string reference": {0x06, 0x02},
		"object reference": {0x0A, 0x04},
		"traits reference": {0x0A, 0x05},
		"externalizable":   {0x0A, 0x07, 0x03, 'Z'},
		"truncated double": {0x05, 0x00},
		"truncated u29":    {0x04, 0x80},
	}
	for name, in := range cases {
		_, err := NewDecoder3(bytes.NewReader(in)).Decode()
		assert.Error(t, err, name)
	}
}

func TestObject(t *testing.T) {
	o := NewObject("").Set("b", 1).Set("a", "x").Set("b", 2)
	assert.Equal(t, []string{"b", "a"}, o.Keys)
	assert.Equal(t, 2, o.Len())
	assert.Equal(t, "x", o.String("a"))
	assert.Equal(t, "", o.String("b"))
	v, ok := o.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	var nilObj *Object
	_, ok = nilObj.Get("a")
	assert.False(t, ok)
	assert.Zero(t, nilObj.Len())

	data, err := json.Marshal(NewObject("").Set("z", []any{Undefined{}, 1}).Set("a", NewObject("").Set("k", "v")))
	require.NoError(t, err)
	assert.Equal(t, `{"z":[null,1],"a":{"k":"v"}}`, string(data))
}

type point struct{ x, y float64 }

func (p *point) MarshalAMF() *Object {
	return NewObject("Point").Set("x", p.x).Set("y", p.y)
}

func TestMarshaler(t *testing.T) {
	out := roundTrip0(t, &point{1, 2})
	assert.Equal(t, NewObject("Point").Set("x", 1.0).Set("y", 2.0), out)

	out = roundTrip3(t, []any{&point{3, 4}, (*point)(nil)})
	assert.Equal(t, []any{NewObject("Point").Set("x", 3.0).Set("y", 4.0), nil}, out)
}

func TestSelfReferenceRoundTrip(t *testing.T) {
	self := NewObject("").Set("name", "loop")
	self.Set("self", self)

	for name, rt := range map[string]func(*testing.T, any) any{"amf0": roundTrip0, "amf3": roundTrip3} {
		t.Run(name, func(t *testing.T) {
			out, ok := rt(t, self).(*Object)
			require.True(t, ok)
			assert.Equal(t, "loop", out.String("name"))
			assert.Same(t, out, out.Values["self"])
		})
	}
}

func TestDecodedCycleReencodes(t *testing.T) {
	// {self: reference 0}
	in := []byte{0x03, 0x00, 0x04, 's', 'e', 'l', 'f', 0x07, 0x00, 0x00, 0x00, 0x00, 0x09}
	v, err := NewDecoder(bytes.NewReader(in)).Decode()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(v))
	assert.Equal(t, in, buf.Bytes())

	buf.Reset()
	require.NoError(t, NewEncoder3(&buf).Encode(v))
	assert.Equal(t, []byte{0x0A, 0x0B, 0x01, 0x09, 's', 'e', 'l', 'f', 0x0A, 0x00, 0x01}, buf.Bytes())
}

func TestSharedValuesAreReferenced(t *testing.T) {
	inner := []any{1}
	obj := NewObject("").Set("k", "v")
	when := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	in := []any{inner, obj, inner, when, obj}

	var buf bytes.Buffer
	require.NoError(t, NewEncoder3(&buf).Encode(in))
	out, err := NewDecoder3(&buf).Decode()
	require.NoError(t, err)
	arr := out.([]any)
	require.Len(t, arr, 5)
	assert.Equal(t, []any{1}, arr[2])
	assert.Equal(t, when, arr[3])
	assert.Same(t, arr[1], arr[4])

	out = roundTrip0(t, in)
	arr = out.([]any)
	assert.Equal(t, []any{1.0}, arr[2])
	assert.Same(t, arr[1], arr[4])
}

func TestSelfContainingSlice(t *testing.T) {
	s := make([]any, 2)
	s[0] = "x"
	s[1] = s
	out := roundTrip3(t, s)
	// a dense array is only known to the reader once it is complete
	assert.Equal(t, []any{"x", nil}, out)

	_, err := json.Marshal(s)
	assert.Error(t, err)
}

func TestMarshalJSONRejectsCycles(t *testing.T) {
	self := NewObject("")
	self.Set("self", self)
	_, err := json.Marshal(self)
	assert.ErrorIs(t, err, ErrCyclicValue)

	shared := NewObject("").Set("k", 1)
	data, err := json.Marshal(NewObject("").Set("a", shared).Set("b", shared))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"k":1},"b":{"k":1}}`, string(data))
}

type login struct {
	User     string `amf:"userid"`
	Password string `amf:"password,omitempty"`
	Remember bool
	Secret   string `amf:"-"`
	internal int
	Profile  *profile
}

type profile struct {
	Tags []string
}

func TestEncodeStruct(t *testing.T) {
	in := login{User: "alice", Password: "pw", Remember: true, Secret: "s", internal: 1,
		Profile: &profile{Tags: []string{"a"}}}
	want := NewObject("").
		Set("userid", "alice").
		Set("password", "pw").
		Set("Remember", true).
		Set("Profile", NewObject("").Set("Tags", []any{"a"}))

	assert.Equal(t, want, roundTrip0(t, in))
	assert.Equal(t, want, roundTrip3(t, &in))

	want.Set("Profile", nil)
	in.Profile = nil
	assert.Equal(t, want, roundTrip3(t, in))
}
