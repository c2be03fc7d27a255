package domain

// Cursor is the opaque resumption token issued by the producer. Re-supplying
// it resumes the stream exactly after the position it references.
type Cursor string

// IsEmpty reports whether there is no position to resume from.
func (c Cursor) IsEmpty() bool {
	return c == ""
}

func (c Cursor) String() string {
	return string(c)
}
