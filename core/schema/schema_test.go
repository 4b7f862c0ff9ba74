package schema_test

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "https://schemas.voxtro.app/refs/string.json"}`
	ref2 = `{ "$id" : "https://schemas.voxtro.app/refs/maxlength.json",
	 		  "maxLength" : 5 }`

	topLevel1 = `
	{ "$id" : "https://schemas.voxtro.app/top1.json",
	  "allOf" : [
		{ "$ref" : "https://schemas.voxtro.app/refs/string.json" },
		{ "$ref" : "https://schemas.voxtro.app/refs/maxlength.json" }
		]
	}`
	topLevel2 = `
	{ "$id" : "https://schemas.voxtro.app/top2.json",
	  "allOf" : [
 		{ "$ref" : "https://schemas.voxtro.app/refs/string.json" },
 		{ "type": "string", "minLength": 3 }
	  ]
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel1, topLevel2}, []string{ref1, ref2})
	require.NoError(t, err)

	schemaID1 := schema.ID("top1")
	schemaID2 := schema.ID("top2")
	jsonShortString := `"short"`
	jsonLongString := `"a very long string"`

	assert.NoError(t, v.ValidateString(jsonShortString, schemaID1))
	err = v.ValidateString(jsonLongString, schemaID1)
	assert.Error(t, err)
	assert.True(t, schema.IsValidationError(err))

	assert.NoError(t, v.ValidateString(jsonLongString, schemaID2))
	assert.Error(t, v.ValidateString(`"ab"`, schemaID2))

	err = v.ValidateString(jsonShortString, schema.ID("unknown"))
	assert.Error(t, err)
	assert.False(t, schema.IsValidationError(err))
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"color.json": &fstest.MapFile{Data: []byte(`{
			"$id": "https://schemas.voxtro.app/color.json",
			"type": "object",
			"properties": {"primary_color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"}},
			"required": ["primary_color"]
		}`)},
		"README.md": &fstest.MapFile{Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys)
	require.NoError(t, err)
	assert.True(t, v.HasSchema(schema.ID("color")))

	assert.NoError(t, v.ValidateBytes([]byte(`{"primary_color":"#aa00FF"}`), schema.ID("color")))
	assert.Error(t, v.ValidateBytes([]byte(`{"primary_color":"red"}`), schema.ID("color")))
	assert.Error(t, v.ValidateStruct(map[string]interface{}{}, schema.ID("color")))
}

func TestNewValidatorWithoutID(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"string"}`}, nil)
	assert.Error(t, err)
}
