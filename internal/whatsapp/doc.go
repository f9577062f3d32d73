// Package whatsapp is the WebSocket client for a WhatsApp bridge. It is the
// outbound provider for the whatsapp channel and, when running, feeds
// customer messages into the inbound pipeline.
package whatsapp
