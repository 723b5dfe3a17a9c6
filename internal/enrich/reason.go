// Package enrich derives failure reasons and resolves source IP countries for
// stored report rows.
package enrich

import (
	"fmt"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// FailureReason explains a row's disposition and authentication outcome in
// plain language.
func FailureReason(d types.Disposition, dkim, spf types.AuthResult) string {
	dkimFailed := dkim == types.AuthFail
	spfFailed := spf == types.AuthFail

	switch d {
	case types.DispositionReject:
		switch {
		case dkimFailed && spfFailed:
			return "Both DKIM and SPF failed. Message rejected."
		case dkimFailed:
			return "DKIM failed. Message rejected."
		case spfFailed:
			return "SPF failed. Message rejected."
		default:
			return "Rejected for other policy reason."
		}
	case types.DispositionNone:
		switch {
		case dkimFailed && spfFailed:
			return "Both DKIM and SPF failed. No action taken."
		case dkimFailed:
			return "DKIM failed. No action taken."
		case spfFailed:
			return "SPF failed. No action taken."
		default:
			return "Passed authentication, no action taken."
		}
	default:
		return fmt.Sprintf("Disposition: %s, DKIM: %s, SPF: %s", d, dkim, spf)
	}
}
