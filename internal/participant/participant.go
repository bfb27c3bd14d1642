package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrDuplicateName      = errors.New("participant name already taken")
	ErrInvalidName        = errors.New("participant name must not be empty")
)

// Service registers and looks up participants
type Service struct {
	gormDB *gorm.DB
	db     *Database
	logger zerolog.Logger
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
		logger: log.With().Str("service", "participant").Logger(),
	}
}

// Register creates a participant with a unique name
func (s *Service) Register(ctx context.Context, name string) (*Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	var p *Participant
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		existing, err := s.db.GetParticipantByName(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		p = &Participant{Name: name}
		return s.db.CreateParticipant(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint("participant_id", p.ID).Str("name", p.Name).Msg("participant registered")
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*Participant, error) {
	p, err := s.db.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
	}
	return p, nil
}

func (s *Service) ByName(ctx context.Context, name string) (*Participant, error) {
	p, err := s.db.GetParticipantByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context) ([]Participant, error) {
	return s.db.ListParticipants(ctx)
}
