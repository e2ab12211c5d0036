package turn

import (
	"context"

	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/MegaGrindStone/chatturn/internal/session"
)

// Resend submits the draft of the session's edit in progress as a brand-new user message. The
// edited message stays untouched in the history. While a turn is open the edit is kept and
// ErrTurnInProgress is returned.
func (c *Controller) Resend(ctx context.Context) (Result, error) {
	edit, ok := c.session.Edit()
	if !ok {
		return Result{}, session.ErrNoEdit
	}
	if err := validMessage(edit.Draft, nil); err != nil {
		return Result{}, err
	}
	if !c.session.Transition(models.TurnIdle, models.TurnDispatched) {
		return Result{}, ErrTurnInProgress
	}

	c.session.DiscardEdit()
	return c.dispatch(ctx, edit.Draft, nil), nil
}

// EditAndResend edits the user message with the given id to text and resends it.
func (c *Controller) EditAndResend(ctx context.Context, messageID, text string) (Result, error) {
	if err := c.session.BeginEdit(messageID); err != nil {
		return Result{}, err
	}
	if err := c.session.SetDraft(text); err != nil {
		return Result{}, err
	}
	return c.Resend(ctx)
}
