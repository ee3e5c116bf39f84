/*
Package events provides an in-memory pub/sub broker for operation
lifecycle notifications.

A Broker broadcasts Events (operation created/running/succeeded/failed/
cancelled, artifact stored) to any number of Subscriber channels without
blocking on a slow or disconnected one. The task store publishes
through a shared Broker instance; the HTTP layer can expose a
Subscribe()'d channel to a client as a server-sent-events stream scoped
to one operation id.
*/
package events
