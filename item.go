package dataservice

import "fmt"

// Thunk is a zero-argument field constructor for NewDataItem. It is
// evaluated exactly once; a returned error is field-local and does not
// affect sibling fields.
type Thunk func() (any, error)

// FieldError records why a single DataItem field could not be constructed.
type FieldError struct {
	Type    string
	Message string
}

// DataItem is a terminal record emitted to the caller's data stream. It is
// either a free-form mapping (as produced by NewDataItem) or a declared
// record type supplied directly by a Callback (any Go value lifted into a
// DataItem, see WrapRecord).
type DataItem struct {
	resultMarker

	// Values holds successfully constructed fields. A field whose thunk
	// failed is entirely absent here rather than holding a zero value, per
	// the specification's "field takes the bottom value" rule.
	Values map[string]any
	// Errors holds one entry per field whose thunk raised, keyed by field
	// name.
	Errors map[string]FieldError
	// Record, when non-nil, is a declared record value instead of a free
	// mapping. Only WrapRecord sets it, and it leaves Values and Errors nil;
	// NewDataItem never sets Record.
	Record any
}

// NewDataItem constructs a DataItem from a mapping whose values may be
// either immediate values or Thunks. Each Thunk is invoked exactly once;
// a returned error becomes Errors[field] and the field is omitted from
// Values. Other fields are unaffected by one field's failure.
func NewDataItem(fields map[string]any) DataItem {
	item := DataItem{
		Values: make(map[string]any, len(fields)),
		Errors: make(map[string]FieldError),
	}
	for name, v := range fields {
		thunk, ok := v.(Thunk)
		if !ok {
			item.Values[name] = v
			continue
		}
		val, err := safeInvoke(thunk)
		if err != nil {
			item.Errors[name] = FieldError{
				Type:    fmt.Sprintf("%T", err),
				Message: err.Error(),
			}
			continue
		}
		item.Values[name] = val
	}
	if len(item.Errors) == 0 {
		item.Errors = nil
	}
	return item
}

// WrapRecord lifts an arbitrary declared record value (e.g. a struct the
// caller wants to emit verbatim) into a DataItem/CallbackResult.
func WrapRecord(record any) DataItem {
	return DataItem{Record: record}
}

// safeInvoke runs a thunk, converting a panic into an error so a single
// misbehaving field constructor cannot crash the worker.
func safeInvoke(t Thunk) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in field thunk: %v", r)
		}
	}()
	return t()
}
