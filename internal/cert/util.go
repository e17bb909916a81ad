package cert

import (
	"time"

	"github.com/roach88/trustagent/internal/clock"
	"github.com/roach88/trustagent/internal/model"
)

// ClockDriftTolerance is how far before "now" a validity window starts.
const ClockDriftTolerance = time.Hour

// Util builds unsigned certificates for applications. The output only
// depends on the inputs and the clock.
type Util struct {
	Clock clock.Clock
}

// NewUtil returns a Util reading time from c. A nil c uses the system clock.
func NewUtil(c clock.Clock) Util {
	if c == nil {
		c = clock.Real()
	}
	return Util{Clock: c}
}

func (u Util) window(validity time.Duration) (time.Time, time.Time) {
	c := u.Clock
	if c == nil {
		c = clock.Real()
	}
	now := c.Now().UTC().Truncate(time.Second)
	return now.Add(-ClockDriftTolerance), now.Add(validity)
}

// SubjectName is the certificate subject name of an application: the
// hex key identifier of its public key.
func SubjectName(app model.Application) string {
	return app.KeyInfo.String()
}

// ToIdentityCertificate builds the identity certificate binding app to id.
// The window starts one hour before now and ends validity after now.
func (u Util) ToIdentityCertificate(app model.Application, id model.IdentityInfo, validity time.Duration) Certificate {
	from, to := u.window(validity)
	return Certificate{
		Type:         TypeIdentity,
		Issuer:       id.Authority,
		Subject:      app.KeyInfo,
		SubjectName:  SubjectName(app),
		ValidFrom:    from,
		ValidTo:      to,
		Alias:        id.GUID,
		IdentityName: id.Name,
	}
}

// ToMembershipCertificate builds the certificate making app a member of group.
func (u Util) ToMembershipCertificate(app model.Application, group model.GroupInfo, validity time.Duration) Certificate {
	from, to := u.window(validity)
	return Certificate{
		Type:        TypeMembership,
		Issuer:      group.Authority,
		Subject:     app.KeyInfo,
		SubjectName: SubjectName(app),
		ValidFrom:   from,
		ValidTo:     to,
		GroupGUID:   group.GUID,
	}
}
