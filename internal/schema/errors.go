package schema

import (
	"errors"
	"fmt"

	"github.com/citystream/tripflow/internal/model"
)

// Error reports an unmappable or untypeable raw field. It is unrecoverable
// for the record's processing unit and carries the offending record's source
// provenance. Coercion failures (value present but untypeable) use the same
// type; the distinction is the Reason text.
type Error struct {
	Provenance model.Provenance
	Column     string
	Value      string
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema error in %s (%d-%02d): column %q: %s",
		e.Provenance.SourceFile, e.Provenance.SourceYear, e.Provenance.SourceMonth,
		e.Column, e.Reason)
}

// IsSchemaError reports whether any error in the chain is a schema Error.
func IsSchemaError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func coercionErr(prov model.Provenance, column, value, want string) *Error {
	return &Error{
		Provenance: prov,
		Column:     column,
		Value:      value,
		Reason:     fmt.Sprintf("cannot coerce %q to %s", value, want),
	}
}
