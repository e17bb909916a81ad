package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/transport"
)

// Claim takes ownership of app and assigns it id.
//
// The claim listener approves the requested manifest and selects the
// session type. Once the listener has been consulted, any failure resets
// the application before Claim returns. Storage failures while reserving
// are returned as is since nothing was installed yet.
func (a *SecurityAgent) Claim(ctx context.Context, app model.OnlineApplication, id model.IdentityInfo) error {
	a.claimMu.Lock()
	cl := a.claimListener
	a.claimMu.Unlock()
	if cl == nil {
		return ErrNoListener
	}

	current, err := a.GetApplication(app.KeyInfo)
	if err != nil {
		return err
	}
	if !a.beginClaim(current.KeyInfo) {
		return fmt.Errorf("%w: %s", ErrClaimInProgress, current.KeyInfo)
	}
	defer a.endClaim(current.KeyInfo)

	if err := a.locks.Lock(ctx, current.KeyInfo); err != nil {
		return err
	}
	defer a.locks.Unlock(current.KeyInfo)

	log := a.logger.With("app", current.KeyInfo.String(), "bus_name", current.BusName)

	tmpl, err := a.transport.GetManifestTemplate(ctx, current)
	if err != nil {
		return fmt.Errorf("get manifest template: %w", err)
	}
	caps, info, err := a.transport.GetClaimCapabilities(ctx, current)
	if err != nil {
		return fmt.Errorf("get claim capabilities: %w", err)
	}

	cc := newClaimContext(current, tmpl, caps&a.opts.capabilities, info)
	if err := cl.ApproveManifestAndSelectSessionType(cc); err != nil {
		a.resetAfterClaim(ctx, current, log)
		return fmt.Errorf("claim listener: %w", err)
	}
	if !cc.IsManifestApproved() {
		a.resetAfterClaim(ctx, current, log)
		return ErrManifestRejected
	}
	sessionType, ok := transport.SessionTypeFor(cc.ClaimType())
	if !ok {
		a.resetAfterClaim(ctx, current, log)
		return ErrClaimTypeNotSet
	}
	if sessionType.NeedsSecret() && len(cc.secret) == 0 {
		a.resetAfterClaim(ctx, current, log)
		return fmt.Errorf("%w: %s session without secret", ErrInvalidArgument, sessionType)
	}

	admin, chain, err := a.store.StartApplicationClaiming(ctx, current.Application, id, tmpl)
	if err != nil {
		return fmt.Errorf("reserve claim: %w", err)
	}

	claimErr := a.transport.Claim(ctx, current, transport.ClaimRequest{
		CAKey:         a.caKey,
		AdminGroup:    admin,
		IdentityChain: chain,
		Manifest:      tmpl,
		SessionType:   sessionType,
		Secret:        cc.secret,
	})
	if claimErr != nil {
		claimErr = fmt.Errorf("claim: %w", claimErr)
	}

	if err := a.store.FinishApplicationClaiming(ctx, current.Application, claimErr); err != nil {
		log.Error("failed to finish claim in storage", "error", err)
		a.resetAfterClaim(ctx, current, log)
		return errors.Join(claimErr, fmt.Errorf("finish claim: %w", err))
	}
	if claimErr != nil {
		a.resetAfterClaim(ctx, current, log)
		return claimErr
	}

	log.Info("application claimed", "session_type", string(sessionType), "identity", id.GUID.String())
	return nil
}

func (a *SecurityAgent) beginClaim(key model.KeyInfo) bool {
	a.claimMu.Lock()
	defer a.claimMu.Unlock()
	if _, busy := a.claiming[key]; busy {
		return false
	}
	a.claiming[key] = struct{}{}
	return true
}

func (a *SecurityAgent) endClaim(key model.KeyInfo) {
	a.claimMu.Lock()
	defer a.claimMu.Unlock()
	delete(a.claiming, key)
}

// resetAfterClaim undoes whatever a failed claim left on the device.
func (a *SecurityAgent) resetAfterClaim(ctx context.Context, app model.OnlineApplication, log *slog.Logger) {
	if err := a.transport.Reset(ctx, app); err != nil {
		log.Warn("failed to reset application after claim", "error", err)
	}
}
