package notes

import "github.com/google/uuid"

// uuidV7Provider issues change/audit identifiers for a note's revision
// journal. UUIDv7 keeps them roughly time-sortable, which matters here
// because NoteChange rows are otherwise only ordered by their applied_at_s
// column at second resolution — two changes landing in the same second
// still sort sensibly by id.
type uuidV7Provider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidV7Provider{}
}

func (p *uuidV7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
