package participant

import "gorm.io/gorm"

// Participant is a trading identity. Names are unique and never change.
type Participant struct {
	gorm.Model `json:"-"`
	Name       string `gorm:"uniqueIndex;not null" json:"name"`
}
