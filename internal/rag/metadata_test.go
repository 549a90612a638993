package rag

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		in       any
		wantKind Kind
		wantErr  bool
	}{
		{name: "string", in: "P1", wantKind: KindString},
		{name: "int", in: 42, wantKind: KindNumber},
		{name: "float", in: 0.5, wantKind: KindNumber},
		{name: "bool", in: true, wantKind: KindBool},
		{name: "json number", in: json.Number("7"), wantKind: KindNumber},
		{name: "slice", in: []string{"a"}, wantErr: true},
		{name: "nil", in: nil, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := ValueOf(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, v.Kind())
		})
	}
}

func TestValue_Equal(t *testing.T) {
	t.Parallel()

	assert.True(t, StringValue("a").Equal(StringValue("a")))
	assert.False(t, StringValue("1").Equal(NumberValue(1)))
	assert.True(t, NumberValue(1).Equal(NumberValue(1.0)))
	assert.False(t, BoolValue(true).Equal(BoolValue(false)))
	assert.False(t, Value{}.Equal(Value{}))
}

func TestMetadata_JSON(t *testing.T) {
	t.Parallel()

	md := Metadata{
		KeyPatientID: StringValue("P1"),
		"page":       NumberValue(2),
		"signed":     BoolValue(false),
	}
	data, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"patient_id":"P1","page":2,"signed":false}`, string(data))

	var got Metadata
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, md, got)
}

func TestMetadata_JSONRejectsNonScalars(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		`{"a":null}`,
		`{"a":{"b":1}}`,
		`{"a":[1,2]}`,
	} {
		var md Metadata
		assert.Error(t, json.Unmarshal([]byte(in), &md), in)
	}
}

func TestMetadataFromMap(t *testing.T) {
	t.Parallel()

	md, err := MetadataFromMap(map[string]any{"patient_id": "P1", "age": 45})
	require.NoError(t, err)
	assert.Equal(t, "P1", md.Str(KeyPatientID))
	age, ok := md["age"].Num()
	assert.True(t, ok)
	assert.Equal(t, 45.0, age)
	assert.Equal(t, map[string]any{"patient_id": "P1", "age": 45.0}, md.Map())

	_, err = MetadataFromMap(map[string]any{"bad": map[string]any{}})
	assert.Error(t, err)
}

func TestFilter_Match(t *testing.T) {
	t.Parallel()

	md := Metadata{KeyPatientID: StringValue("A"), "page": NumberValue(1)}

	assert.True(t, Filter(nil).Match(md))
	assert.True(t, Filter{}.Match(nil))
	assert.True(t, PatientFilter("A").Match(md))
	assert.False(t, PatientFilter("B").Match(md))
	assert.False(t, PatientFilter("A").Match(nil))
	assert.True(t, Filter{KeyPatientID: StringValue("A"), "page": NumberValue(1)}.Match(md))
	assert.False(t, Filter{"page": StringValue("1")}.Match(md))
}
