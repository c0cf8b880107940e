package hookmta

import (
	"github.com/google/uuid"
)

// MessageIDGen returns a generated unique Message-Id value, excluding <>. The
// localpart is a time-ordered UUIDv7, so message ids of generated messages sort
// by creation time.
func MessageIDGen(smtputf8 bool) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String() + "@" + Conf.Static.HostnameDomain.XName(smtputf8)
}
