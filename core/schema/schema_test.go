package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetca/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	top_level1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`
	top_level2 = `
	{ "$id" : "http://some_host.com/top2.json",
	  "allOf" : [
 		{ "$ref" : "http://some_host.com/string.json" },
 		{ "type": "string", "minlength": 3 }
	  ]
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{top_level1, top_level2}, []string{ref1, ref2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID1 := "http://some_host.com/top1.json"
	schemaID2 := "http://some_host.com/top2.json"
	jsonShortString := `"short"`
	jsonLongString := `"a very long string"`

	// Valid json
	if err := v.ValidateString(jsonShortString, schemaID1); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonShortString, schemaID1, err)
	}

	// Invalid json
	if err := v.ValidateString(jsonLongString, schemaID1); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s. Reported error was: %v", jsonLongString, schemaID1, err)
	}

	// Valid json
	if err := v.ValidateString(jsonLongString, schemaID2); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonLongString, schemaID2, err)
	}
	// Valid json
	if err := v.ValidateString(jsonLongString, schemaID2); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonLongString, schemaID2, err)
	}

}

func TestValidateSruct(t *testing.T) {
	schema1 := `{
		"$id": "https://fleetca.dev/schemas/device.json",
		"type": "object",
		"required": [
			"serial"
		],
		"properties": {
			"serial": {
				"type": "string"
			}
		}
	}`
	type Device struct {
		Serial string `json:"serial"`
	}

	v, err := schema.NewValidator([]string{schema1}, []string{})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	// Valid json
	if err := v.ValidateStruct(Device{"SN-1"}, "https://fleetca.dev/schemas/device.json"); err != nil {
		t.Fatal()
	}

	// Invalid json
	type DeviceIncorrect struct {
		Serial string `json:"serial_wrong"`
	}
	if err := v.ValidateStruct(DeviceIncorrect{"SN-1"}, "https://fleetca.dev/schemas/device.json"); err == nil {
		t.Fatal()
	}
}
func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{top_level1, top_level2}, []string{ref1, ref2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "http://some_host.com/top1.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is expected to be available", schemaID)
	}
	schemaID = "http://some_host.com/top2.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is expected to be available", schemaID)
	}

	schemaID = "http://some_host.com/unknownscehma.json"
	if v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is not expected to be available", schemaID)
	}
}

func TestValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/revoke.json": {Data: []byte(`{
			"$id": "https://fleetca.dev/schemas/revoke.json",
			"type": "object",
			"required": ["serial"],
			"additionalProperties": false,
			"properties": {
				"serial": { "$ref": "https://fleetca.dev/schemas/serial.json" },
				"reason": { "type": "string" }
			}
		}`)},
		"schemas/refs/serial.json": {Data: []byte(`{
			"$id": "https://fleetca.dev/schemas/serial.json",
			"type": "string",
			"minLength": 1
		}`)},
		"schemas/README.md": {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	require.NoError(t, err)
	schemaID := "https://fleetca.dev/schemas/revoke.json"
	require.True(t, v.HasSchema(schemaID))
	assert.False(t, v.HasSchema("https://fleetca.dev/schemas/serial.json"))

	var out struct {
		Serial string `json:"serial"`
		Reason string `json:"reason"`
	}
	require.NoError(t, v.Decode([]byte(`{"serial":"SN-1","reason":"keyCompromise"}`), schemaID, &out))
	assert.Equal(t, "SN-1", out.Serial)
	assert.Equal(t, "keyCompromise", out.Reason)

	err = v.ValidateBytes([]byte(`{"serial":"","unknown":1}`), schemaID)
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Details), 2)

	err = v.ValidateBytes([]byte(`{not json`), schemaID)
	assert.True(t, errors.As(err, &verr))
}

func TestValidatorFromFSWithoutRefs(t *testing.T) {
	fsys := fstest.MapFS{
		"s/a.json": {Data: []byte(`{"$id": "a", "type": "object"}`)},
	}
	v, err := schema.NewValidatorFromFS(fsys, "s")
	require.NoError(t, err)
	assert.True(t, v.HasSchema("a"))
}
