package subscription

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by Import:
//
//	subscriptions:
//	  - id: glucose
//	    criteria: Observation?code=SNOMED-CT|82313006
//	    channelType: websocket
//	    payload: application/fhir+json
type SeedFile struct {
	Subscriptions []*Subscription `yaml:"subscriptions"`
}

// ImportResult counts what Import did.
type ImportResult struct {
	Created int
	Updated int
}

// Import creates or replaces every subscription listed in r.
func (s *Service) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return ImportResult{}, errors.Wrap(err, "decode seed file")
	}

	var res ImportResult
	for i, sub := range file.Subscriptions {
		if sub == nil {
			continue
		}
		if sub.FHIRID != "" {
			if _, err := s.repo.GetByFHIRID(ctx, sub.FHIRID); err == nil {
				if err := s.UpdateSubscription(ctx, sub, 0); err != nil {
					return res, errors.Wrapf(err, "subscription %d (%s)", i, sub.FHIRID)
				}
				res.Updated++
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return res, err
			}
		}
		if err := s.CreateSubscription(ctx, sub); err != nil {
			return res, errors.Wrapf(err, "subscription %d", i)
		}
		res.Created++
	}
	return res, nil
}
