package send

import (
	"context"

	"github.com/sendvault/sendvault/pkg/store"
)

// Quote is the computed price for one sender/recipient pair.
type Quote struct {
	Price int64
	// FirstContact marks the first-ever message between the pair.
	FirstContact bool
	// PreAllowed is true when either side has messaged the other before;
	// closed inboxes (acceptsAll == false) only admit pre-allowed senders.
	PreAllowed bool
}

// ComputeQuote derives the price from the recipient's profile. A sender
// the recipient has previously written to gets the return discount,
// even when the sender also has prior messages; a repeat sender with no
// reply pays the default price; everyone else pays the first-contact
// price.
func ComputeQuote(ctx context.Context, st store.Store, senderID, recipientID string, p *store.PricingProfile) (*Quote, error) {
	recipientPrior, err := st.HasNonFailedMessageBetween(ctx, recipientID, senderID)
	if err != nil {
		return nil, err
	}
	if recipientPrior {
		return &Quote{
			Price:      p.DefaultPrice * (10000 - p.ReturnDiscountBps) / 10000,
			PreAllowed: true,
		}, nil
	}

	senderPrior, err := st.HasNonFailedMessageBetween(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if senderPrior {
		return &Quote{Price: p.DefaultPrice, PreAllowed: true}, nil
	}
	return &Quote{Price: p.FirstContactPrice, FirstContact: true}, nil
}
