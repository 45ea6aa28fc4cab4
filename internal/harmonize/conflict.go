package harmonize

import (
	"time"

	"github.com/marcus/harmony/internal/models"
)

// Decision says which way content flows for a conflicting object. The flags
// are evaluated independently.
type Decision struct {
	PushLocal  bool
	PullRemote bool
}

// Decide applies the prevalence policy. Under chronology the strictly newer
// side wins; equal timestamps move nothing.
func Decide(policy models.Policy, localModifiedOn, remoteModifiedOn time.Time) Decision {
	switch policy {
	case models.PolicyLocalWins:
		return Decision{PushLocal: true}
	case models.PolicyRemoteWins:
		return Decision{PullRemote: true}
	default:
		return Decision{
			PushLocal:  localModifiedOn.After(remoteModifiedOn),
			PullRemote: remoteModifiedOn.After(localModifiedOn),
		}
	}
}
