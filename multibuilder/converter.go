package multibuilder

// ConvertToStandardBundle turns a negotiated block into a StandardBundle.
// targetBlock, when set, takes precedence over the block metadata. Transaction order is preserved.
// It fails with an ErrConfiguration error when there are no transactions or no target block.
func ConvertToStandardBundle(block *NegotiatedBlock, targetBlock *uint64) (*StandardBundle, error) {
	if block == nil {
		return nil, ErrNilBlock
	}
	if len(block.Transactions) == 0 {
		return nil, ErrNoTransactions
	}

	meta := block.Metadata
	if meta == nil {
		meta = &NegotiatedBlockMetadata{}
	}

	var target uint64
	switch {
	case targetBlock != nil:
		target = *targetBlock
	case meta.TargetBlock != nil:
		target = *meta.TargetBlock
	}
	if target == 0 {
		return nil, ErrNoTargetBlock
	}

	bundle := &StandardBundle{
		Transactions:    make([]string, 0, len(block.Transactions)),
		BlockNumber:     target,
		MinTimestamp:    copyUint64(meta.MinTimestamp),
		MaxTimestamp:    copyUint64(meta.MaxTimestamp),
		ReplacementUUID: meta.ReplacementUUID,
	}
	if meta.MaxBlock != nil {
		bundle.MaxBlockNumber = *meta.MaxBlock
	}
	for _, tx := range block.Transactions {
		bundle.Transactions = append(bundle.Transactions, tx.SignedTx)
		if tx.CanRevert {
			bundle.RevertingTxs = append(bundle.RevertingTxs, tx.SignedTx)
		}
	}
	if meta.Hints != nil {
		bundle.Hints = &RoutingHints{
			Hints:    meta.Hints.Hints,
			Builders: append([]string(nil), meta.Hints.Builders...),
		}
	}

	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// BundleValue is the value used for selection and metrics: the override when present.
func BundleValue(block *NegotiatedBlock, opts SubmitOptions) float64 {
	if opts.BundleValue != nil {
		return *opts.BundleValue
	}
	if block == nil {
		return 0
	}
	return block.TotalValue
}

func copyUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
