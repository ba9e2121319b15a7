/*
Package reloadproxy implements a development-time live reload proxy: an HTTP
reverse proxy that sits between a browser and a backend dev server, injects a
small reload agent into HTML pages, and lets external tooling tell every open
page to reload.

# Routes

Two paths are reserved; everything else is forwarded to the backend:

	GET  /__live_reload_events   // Server-Sent Events stream for browsers
	POST /__trigger_reload       // broadcast "reload" to every stream

A new event stream first receives a "connected" event, followed by a
"reload" event for every trigger:

	data: connected

	data: reload

# Rewriting

Responses whose Content-Type contains text/html are buffered, decoded if the
backend compressed them, and get a <script> block inserted before the first
</body> (or appended when there is none). Their Content-Length is recomputed
and Content-Encoding dropped. All other responses stream through untouched,
including websocket upgrades.

The outbound request never carries Accept-Encoding, so well-behaved backends
reply uncompressed.
*/
package reloadproxy
