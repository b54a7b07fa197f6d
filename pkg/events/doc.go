/*
Package events provides the in-process event broker.

The namespace engine publishes an event after every observable state change;
the sync worker subscribes to version events for its event-driven uploads,
and the admin surface can stream them to operators. Delivery is best-effort:
a subscriber with a full buffer misses the event rather than stalling the
publisher.
*/
package events
