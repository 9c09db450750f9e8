package agent

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawdbot/internal/authprofiles"
	"github.com/nextlevelbuilder/clawdbot/internal/providers"
)

// maxAuthAttempts bounds credential iteration within one turn.
const maxAuthAttempts = 3

// runWithFailover drives one provider turn, iterating credential candidates
// on auth-class failures. Non-credential failures return immediately.
func (o *Orchestrator) runWithFailover(ctx context.Context, provider string, req providers.Request, hooks providers.Hooks, preferredProfile string) (*providers.Result, string, error) {
	cooldowns := o.cooldowns()
	candidates := o.auth.Resolve(provider, authprofiles.ResolveOptions{
		ConfigOrder:      o.cfg.Auth.Order[provider],
		PreferredProfile: preferredProfile,
	})
	if len(candidates) == 0 {
		return nil, "", &providers.RunError{
			Kind:    providers.KindUnauthorized,
			Message: "no credentials for provider " + provider,
		}
	}

	var lastErr *providers.RunError
	attempts := 0
	for _, cand := range candidates {
		if attempts >= maxAuthAttempts {
			break
		}
		attempts++

		if err := o.auth.MarkUsed(cand.ProfileID); err != nil {
			slog.Warn("auth markUsed", "profile", cand.ProfileID, "error", err)
		}
		runner, err := o.factory(provider, cand.Credential)
		if err != nil {
			return nil, "", providers.Classify(err)
		}

		res, err := runner.Run(ctx, req, hooks)
		if err == nil {
			if merr := o.auth.MarkSuccess(cand.ProfileID); merr != nil {
				slog.Warn("auth markSuccess", "profile", cand.ProfileID, "error", merr)
			}
			if res.Usage.InputTokens+res.Usage.OutputTokens > 0 {
				_ = o.auth.RecordTokens(cand.ProfileID, res.Usage.InputTokens, res.Usage.OutputTokens)
			}
			return res, cand.ProfileID, nil
		}

		re := providers.Classify(err)
		re.ProfileID = cand.ProfileID
		if !re.Retriable() {
			return nil, cand.ProfileID, re
		}

		if merr := o.auth.MarkFailure(cand.ProfileID, failureKind(re.Kind), cooldowns); merr != nil {
			slog.Warn("auth markFailure", "profile", cand.ProfileID, "error", merr)
		}
		slog.Info("credential failover",
			"provider", provider, "profile", cand.ProfileID, "kind", re.Kind)
		lastErr = re
	}

	ferr := &authprofiles.FailoverError{
		Provider: provider,
		Model:    req.Model,
		Reason:   "all credentials exhausted",
	}
	if lastErr != nil {
		ferr.ProfileID = lastErr.ProfileID
		ferr.Reason = string(lastErr.Kind)
		ferr.Err = lastErr
	}
	return nil, ferr.ProfileID, &providers.RunError{
		Kind:      providers.KindUnauthorized,
		Message:   ferr.Error(),
		ProfileID: ferr.ProfileID,
		Err:       ferr,
	}
}

func (o *Orchestrator) cooldowns() authprofiles.Cooldowns {
	c := o.cfg.Auth.Cooldowns
	return authprofiles.Cooldowns{
		FailureWindowHours:            c.FailureWindowHours,
		BillingBackoffHours:           c.BillingBackoffHours,
		BillingMaxHours:               c.BillingMaxHours,
		BillingBackoffHoursByProvider: c.BillingBackoffHoursByProvider,
	}
}

func failureKind(k providers.ErrorKind) authprofiles.FailureKind {
	switch k {
	case providers.KindBilling:
		return authprofiles.FailureBilling
	case providers.KindRateLimit:
		return authprofiles.FailureRate
	case providers.KindUnauthorized, providers.KindCredentialExpired:
		return authprofiles.FailureAuth
	case providers.KindTimeout:
		return authprofiles.FailureTimeout
	default:
		return authprofiles.FailureUnknown
	}
}
