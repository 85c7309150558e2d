package handlers

import (
	"encoding/json"
	"fmt"

	bus "github.com/ghuser/notifier/pkg/events"
	pkgvalidator "github.com/ghuser/notifier/pkg/validator"
	"github.com/ghuser/notifier/services/notification/domain"
)

// decode unmarshals raw into dst and validates it. Failures wrap
// domain.ErrDecode and are marked permanent: the same bytes will never decode.
func decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return bus.Permanent(fmt.Errorf("%w: %w", domain.ErrDecode, err))
	}
	if err := pkgvalidator.Validate(dst); err != nil {
		return bus.Permanent(fmt.Errorf("%w: %s", domain.ErrDecode, pkgvalidator.Summary(err)))
	}
	return nil
}
