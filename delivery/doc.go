// Package delivery holds the in-process queue that hands normalized webhook
// events to consumers. Events are delivered FIFO; an event that is nacked or
// not acknowledged within the ack timeout goes back to the front of the
// queue until its redelivery budget is spent, after which it is marked
// failed and kept for inspection.
package delivery
