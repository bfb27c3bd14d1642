package participant

import (
	"context"
	"errors"

	"github.com/ksred/klear-market/internal/dbtx"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateParticipant(ctx context.Context, p *Participant) error {
	return dbtx.Conn(ctx, d.db).Create(p).Error
}

// GetParticipant returns nil when no participant has the id
func (d *Database) GetParticipant(ctx context.Context, id uint) (*Participant, error) {
	var p Participant
	if err := dbtx.Conn(ctx, d.db).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetParticipantByName returns nil when no participant has the name
func (d *Database) GetParticipantByName(ctx context.Context, name string) (*Participant, error) {
	var p Participant
	if err := dbtx.Conn(ctx, d.db).Where("name = ?", name).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListParticipants(ctx context.Context) ([]Participant, error) {
	var participants []Participant
	if err := dbtx.Conn(ctx, d.db).Order("id ASC").Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}
