package source

import (
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func corrupt(reason string, p schema.DataPoint) error {
	return errors.Wrap(exception.ErrCorruptRecord, reason).With("symbol", p.Symbol).With("time", p.Time)
}

func corruptPayload(reason string, segment string, seq uint64) error {
	return errors.Wrap(exception.ErrCorruptRecord, reason).With("segment", segment).With("seq", seq)
}
