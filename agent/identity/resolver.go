package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

var ErrPatientNotFound = fmt.Errorf("%w: no patient record for caller", contractx.ErrResolution)

type patientFinder interface {
	FindPatientByUserID(ctx context.Context, userID string) (*storex.Patient, error)
}

// Resolver maps a trusted caller identity onto its patient id. Hits are cached
// for the life of the process; misses are not, so a later registration is seen.
type Resolver struct {
	store patientFinder
	group singleflight.Group
	cache sync.Map
}

func NewResolver(store patientFinder) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("patient store is required")
	}
	return &Resolver{store: store}, nil
}

func (r *Resolver) Resolve(ctx context.Context, callerID string) (string, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return "", fmt.Errorf("%w: caller id is empty", contractx.ErrValidation)
	}
	if cached, ok := r.cache.Load(callerID); ok {
		return cached.(string), nil
	}

	v, err, _ := r.group.Do(callerID, func() (any, error) {
		p, err := r.store.FindPatientByUserID(ctx, callerID)
		if err != nil {
			if errors.Is(err, storex.ErrNotFound) {
				return "", ErrPatientNotFound
			}
			return "", fmt.Errorf("%w: resolve patient: %v", contractx.ErrTransient, err)
		}
		r.cache.Store(callerID, p.ID)
		return p.ID, nil
	})
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("caller_id", callerID).Msg("identity resolution failed")
		return "", err
	}
	return v.(string), nil
}

// Forget drops a cached mapping.
func (r *Resolver) Forget(callerID string) {
	r.cache.Delete(callerID)
}
