package balance

import (
	"time"

	"github.com/warp/waste-balance-engine/fieldmap"
)

// Accreditation bounds which records count toward a balance.
type Accreditation struct {
	ID             string    `json:"id"`
	OrganisationID string    `json:"organisationId"`
	ValidFrom      time.Time `json:"validFrom"`
	ValidTo        time.Time `json:"validTo"`
}

// WithinWindow reports whether t falls in [ValidFrom, ValidTo].
func (a Accreditation) WithinWindow(t time.Time) bool {
	return !t.Before(a.ValidFrom) && !t.After(a.ValidTo)
}

// Eligible reports whether a record currently counts toward the balance:
// its dispatch date is present and inside the accreditation window, and
// no PRN has been issued against it. Exclusions are not errors; only
// mapping misconfiguration is.
func Eligible(templates *fieldmap.Registry, r SourceRecord, acc Accreditation) (bool, error) {
	dispatched, ok, err := templates.Date(r.Template, r.Data, fieldmap.DispatchDate)
	if err != nil {
		return false, err
	}
	if !ok || !acc.WithinWindow(dispatched) {
		return false, nil
	}

	issued, err := templates.YesNo(r.Template, r.Data, fieldmap.PrnIssued)
	if err != nil {
		return false, err
	}
	return !issued, nil
}
