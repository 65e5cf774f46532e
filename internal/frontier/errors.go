package frontier

import (
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func fatalCorrupt(err error, sub schema.SubscriptionID) error {
	return errors.Wrap(err, "corrupt record").With("subscription", sub)
}

func corruptRunExceeded(sub schema.SubscriptionID, run int) error {
	return errors.Wrap(exception.ErrCorruptRecord, "too many consecutive corrupt records").With("subscription", sub).With("run", run)
}

func openFailed(err error, sub schema.Subscription) error {
	return errors.Wrap(err, "open source").With("subscription", sub.ID).With("key", sub.Key().String())
}
