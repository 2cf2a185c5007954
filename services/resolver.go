package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"listing_ledger/config"
	"listing_ledger/identity"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/storage"
)

// ResolverTx is the slice of a store transaction the resolver needs
type ResolverTx interface {
	GetNeighborhoodByKey(ctx context.Context, nameKey, cityKey string) (*models.Neighborhood, error)
	InsertNeighborhood(ctx context.Context, n *models.Neighborhood, keys storage.EntityKeys) (bool, error)
	GetBuildingByKey(ctx context.Context, nameKey, cityKey string) (*models.Building, error)
	GetBuildingByAddressKey(ctx context.Context, addressKey string) (*models.Building, error)
	InsertBuilding(ctx context.Context, b *models.Building, keys storage.EntityKeys) (bool, error)
	LinkBuildingNeighborhood(ctx context.Context, buildingID, neighborhoodID int64) (bool, error)
}

// Resolver maps free-text building and neighborhood references onto
// canonical rows, creating them on first sight
type Resolver struct {
	defaultCity string
}

// NewResolver creates a Resolver. Descriptors without a city use defaultCity.
func NewResolver(defaultCity string) *Resolver {
	if strings.TrimSpace(defaultCity) == "" {
		defaultCity = "Victoria"
	}
	return &Resolver{defaultCity: strings.TrimSpace(defaultCity)}
}

func (r *Resolver) city(city string) string {
	if city = strings.TrimSpace(city); city != "" {
		return city
	}
	return r.defaultCity
}

// ResolveNeighborhood finds the neighborhood by normalized (name, city) or creates it
func (r *Resolver) ResolveNeighborhood(ctx context.Context, tx ResolverTx, name, city string) (models.Resolved[models.Neighborhood], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Resolved[models.Neighborhood]{}, models.NewError(models.KindValidation, "resolve neighborhood", "name is empty")
	}
	city = r.city(city)
	keys := storage.EntityKeys{Name: identity.NormalizeName(name), City: identity.NormalizeCity(city)}

	return retryRace(func() (models.Resolved[models.Neighborhood], error) {
		existing, err := tx.GetNeighborhoodByKey(ctx, keys.Name, keys.City)
		if err != nil {
			return models.Resolved[models.Neighborhood]{}, err
		}
		if existing != nil {
			return asExisting(existing), nil
		}

		n := &models.Neighborhood{Name: name, City: city}
		created, err := tx.InsertNeighborhood(ctx, n, keys)
		if err != nil {
			return models.Resolved[models.Neighborhood]{}, err
		}
		if created {
			logging.Logger.WithField("neighborhood_id", n.ID).Debugf("Created neighborhood %q", name)
			return models.Resolved[models.Neighborhood]{Entity: n, Outcome: models.OutcomeCreated}, nil
		}

		// Lost the insert to a concurrent writer
		existing, err = tx.GetNeighborhoodByKey(ctx, keys.Name, keys.City)
		if err != nil {
			return models.Resolved[models.Neighborhood]{}, err
		}
		if existing == nil {
			return models.Resolved[models.Neighborhood]{}, models.NewError(models.KindResolutionRace, "resolve neighborhood", "%q vanished after insert conflict", name)
		}
		return asExisting(existing), nil
	})
}

// ResolveBuilding matches on normalized (name, city), then on the address
// alone to catch renamed buildings, and otherwise creates the building
// linked to the descriptor's neighborhood.
func (r *Resolver) ResolveBuilding(ctx context.Context, tx ResolverTx, d models.BuildingDescriptor) (models.Resolved[models.Building], error) {
	name := strings.TrimSpace(d.Name)
	address := strings.TrimSpace(d.Address)
	switch {
	case name == "":
		return models.Resolved[models.Building]{}, models.NewError(models.KindValidation, "resolve building", "name is empty")
	case address == "":
		return models.Resolved[models.Building]{}, models.NewError(models.KindValidation, "resolve building", "address of %q is empty", name)
	case identity.NormalizeAddress(address) == "":
		return models.Resolved[models.Building]{}, models.NewError(models.KindValidation, "resolve building", "address %q has no usable characters", address)
	}
	city := r.city(d.City)
	keys := storage.EntityKeys{
		Name:    identity.NormalizeName(name),
		City:    identity.NormalizeCity(city),
		Address: identity.NormalizeAddress(address),
	}

	resolved, err := retryRace(func() (models.Resolved[models.Building], error) {
		if b, err := r.findBuilding(ctx, tx, keys); err != nil || b != nil {
			return asExisting(b), err
		}

		b := &models.Building{Name: name, Address: address, City: city}
		created, err := tx.InsertBuilding(ctx, b, keys)
		if err != nil {
			return models.Resolved[models.Building]{}, err
		}
		if created {
			return models.Resolved[models.Building]{Entity: b, Outcome: models.OutcomeCreated}, nil
		}

		b, err = r.findBuilding(ctx, tx, keys)
		if err != nil {
			return models.Resolved[models.Building]{}, err
		}
		if b == nil {
			return models.Resolved[models.Building]{}, models.NewError(models.KindResolutionRace, "resolve building", "%q vanished after insert conflict", name)
		}
		return asExisting(b), nil
	})
	if err != nil {
		return resolved, err
	}

	if strings.TrimSpace(d.Neighborhood) != "" && resolved.Entity.NeighborhoodID == nil {
		n, err := r.ResolveNeighborhood(ctx, tx, d.Neighborhood, city)
		if err != nil {
			return resolved, err
		}
		linked, err := tx.LinkBuildingNeighborhood(ctx, resolved.Entity.ID, n.Entity.ID)
		if err != nil {
			return resolved, err
		}
		if linked {
			resolved.Entity.NeighborhoodID = &n.Entity.ID
		}
	}

	if resolved.Created() {
		logging.Logger.WithField("building_id", resolved.Entity.ID).Infof("Created building %q", name)
	}
	return resolved, nil
}

func (r *Resolver) findBuilding(ctx context.Context, tx ResolverTx, keys storage.EntityKeys) (*models.Building, error) {
	b, err := tx.GetBuildingByKey(ctx, keys.Name, keys.City)
	if err != nil || b != nil {
		return b, err
	}
	return tx.GetBuildingByAddressKey(ctx, keys.Address)
}

// Seed creates the configured neighborhoods; existing ones are left as they are
func (r *Resolver) Seed(ctx context.Context, store *storage.SQLStore, seeds []config.NeighborhoodSeed) (int, error) {
	created := 0
	for _, seed := range seeds {
		err := store.InTx(ctx, func(tx *storage.SQLTx) error {
			res, err := r.ResolveNeighborhood(ctx, tx, seed.Name, seed.City)
			if err != nil {
				return err
			}
			if res.Created() {
				created++
			}
			return nil
		})
		if err != nil {
			return created, fmt.Errorf("seed neighborhood %q: %w", seed.Name, err)
		}
	}
	return created, nil
}

func asExisting[T any](e *T) models.Resolved[T] {
	if e == nil {
		return models.Resolved[T]{}
	}
	return models.Resolved[T]{Entity: e, Outcome: models.OutcomeExisting}
}

// retryRace runs fn again once when it reports a resolution race
func retryRace[T any](fn func() (T, error)) (T, error) {
	v, err := fn()
	if errors.Is(err, models.ErrResolutionRace) {
		return fn()
	}
	return v, err
}
