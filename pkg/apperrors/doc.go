// Package apperrors defines the typed error taxonomy shared by the authorization
// pipeline, tenant management and webhook reconciliation.
//
// Every failure that can reach a client is an *AppError with a stable code and an
// HTTP status. Messages are deliberately generic: the reason a permission check
// failed, or which database call broke, stays in the wrapped cause and is only
// ever logged.
//
//	if err := svc.RemoveMember(ctx, tenantID, actorID, targetID); err != nil {
//	    if errors.Is(err, apperrors.ErrLastOwner) {
//	        // ...
//	    }
//	    httputil.WriteError(w, err)
//	}
package apperrors
