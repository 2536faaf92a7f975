package plancreator

import (
	"time"

	"github.com/rendis/pms/pkg/schema"
)

type failureStrategy struct {
	OnFailure struct {
		Errors []string      `yaml:"errors"`
		Action failureAction `yaml:"action"`
	} `yaml:"onFailure"`
}

type failureAction struct {
	Type string `yaml:"type"`
	Spec struct {
		RetryCount     int      `yaml:"retryCount"`
		RetryIntervals []string `yaml:"retryIntervals"`
		OnRetryFailure struct {
			Action struct {
				Type string `yaml:"type"`
			} `yaml:"action"`
		} `yaml:"onRetryFailure"`
	} `yaml:"spec"`
}

var failureErrorNames = map[string]schema.FailureType{
	"Timeout":              schema.FailureTimeout,
	"Connectivity":         schema.FailureConnectivity,
	"Authorization":        schema.FailureAuthorization,
	"Authentication":       schema.FailureAuthentication,
	"Verification":         schema.FailureVerification,
	"DelegateProvisioning": schema.FailureDelegateProvisioning,
	"Application":          schema.FailureApplication,
	"Unknown":              schema.FailureUnknown,
}

var failureActionNames = map[string]schema.AdviserType{
	"Retry":         schema.AdviserRetry,
	"Ignore":        schema.AdviserIgnore,
	"MarkAsSuccess": schema.AdviserMarkAsSuccess,
	"Abort":         schema.AdviserAbort,
}

// failureAdvisers converts failureStrategies into adviser obtainments in
// declaration order.
func failureAdvisers(strategies []failureStrategy) ([]schema.AdviserObtainment, error) {
	out := make([]schema.AdviserObtainment, 0, len(strategies))
	for i, fs := range strategies {
		action, ok := failureActionNames[fs.OnFailure.Action.Type]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDeserialize,
				"failureStrategies[%d]: unsupported action %q", i, fs.OnFailure.Action.Type)
		}
		adv := schema.AdviserObtainment{Type: action}
		for _, e := range fs.OnFailure.Errors {
			if e == "AllErrors" {
				adv.FailureTypes = nil
				break
			}
			ft, ok := failureErrorNames[e]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "failureStrategies[%d]: unknown error type %q", i, e)
			}
			adv.FailureTypes = append(adv.FailureTypes, ft)
		}
		if action == schema.AdviserRetry {
			spec := fs.OnFailure.Action.Spec
			adv.RetryCount = spec.RetryCount
			for _, s := range spec.RetryIntervals {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeDeserialize,
						"failureStrategies[%d]: invalid retry interval %q", i, s).WithCause(err)
				}
				adv.RetryIntervals = append(adv.RetryIntervals, d)
			}
			if t := spec.OnRetryFailure.Action.Type; t != "" {
				repair, ok := failureActionNames[t]
				if !ok || repair == schema.AdviserRetry {
					return nil, schema.NewErrorf(schema.ErrCodeDeserialize,
						"failureStrategies[%d]: unsupported onRetryFailure action %q", i, t)
				}
				adv.RepairAction = repair
			}
		}
		out = append(out, adv)
	}
	return out, nil
}
