package brokkr

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Validator inspects records before they are appended. A topic opts in
// with the `schema.validation` config; rejected records fail the whole
// produce with INVALID_REQUEST semantics.
type Validator interface {
	Validate(topic string, key, value []byte) error
}

// JSONValidator requires record values to be well-formed JSON objects
// carrying the configured fields.
type JSONValidator struct {
	RequiredFields []string
}

func (v *JSONValidator) Validate(topic string, key, value []byte) error {
	if len(value) == 0 {
		return errors.New("schema: empty value")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(value, &doc); err != nil {
		return errors.Wrap(err, "schema: value is not a json object")
	}
	for _, field := range v.RequiredFields {
		if _, ok := doc[field]; !ok {
			return errors.Errorf("schema: missing field %q", field)
		}
	}
	return nil
}
