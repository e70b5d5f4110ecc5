package orders

// AggregateStatus derives an order-level status from its items. The result is
// computed on read and never written back; the Orders table keeps only what
// ingestion stored.
//
//   - any item still PENDING           -> PENDING
//   - every item PROCESSED             -> PROCESSED
//   - every item FAILED                -> FAILED
//   - a mix of PROCESSED and FAILED    -> PARTIALLY_PROCESSED
func AggregateStatus(items []Item) string {
	if len(items) == 0 {
		return StatusPending
	}
	var processed, failed int
	for _, it := range items {
		switch it.ItemStatus {
		case StatusProcessed:
			processed++
		case StatusFailed:
			failed++
		default:
			return StatusPending
		}
	}
	switch {
	case failed == 0:
		return StatusProcessed
	case processed == 0:
		return StatusFailed
	default:
		return StatusPartiallyProcessed
	}
}
