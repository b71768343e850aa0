package queue

import (
	"github.com/ternarybob/corpus/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = models.ErrNoMessage

// Message is an alias for models.QueueMessage within the queue package
type Message = models.QueueMessage
