// Package jobs runs the crawl pipeline: the paginated index sweeps that
// discover listings, the durable task queues they feed, and the worker pool
// that fetches, extracts and stores each listing.
package jobs

import (
	"github.com/rentradar/rentradar/internal/offer"
)

// Queue names. Each source gets a new-listing queue and an existing-listing
// queue so fresh discoveries drain ahead of refresh work.
const (
	QueueOlxNew         = "olx_new"
	QueueOlxExisting    = "olx_existing"
	QueueOtodomNew      = "otodom_new"
	QueueOtodomExisting = "otodom_existing"
)

const (
	PriorityNew      = 20
	PriorityExisting = 10
)

// AllQueues lists every crawl queue, new-listing queues first.
var AllQueues = []string{
	QueueOlxNew,
	QueueOtodomNew,
	QueueOlxExisting,
	QueueOtodomExisting,
}

// QueueFor returns the queue a discovered URL belongs on.
func QueueFor(source offer.Source, known bool) string {
	switch source {
	case offer.SourceOtodom:
		if known {
			return QueueOtodomExisting
		}
		return QueueOtodomNew
	default:
		if known {
			return QueueOlxExisting
		}
		return QueueOlxNew
	}
}

// QueuePriority returns the claim priority for a queue.
func QueuePriority(queue string) int {
	switch queue {
	case QueueOlxNew, QueueOtodomNew:
		return PriorityNew
	default:
		return PriorityExisting
	}
}

// SourceForQueue returns which marketplace a queue's tasks come from.
func SourceForQueue(queue string) offer.Source {
	switch queue {
	case QueueOtodomNew, QueueOtodomExisting:
		return offer.SourceOtodom
	default:
		return offer.SourceOlx
	}
}

// IsNewQueue reports whether tasks on the queue are first-time discoveries.
func IsNewQueue(queue string) bool {
	return queue == QueueOlxNew || queue == QueueOtodomNew
}
