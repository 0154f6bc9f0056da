// Package signaling is the relay controller and its WebSocket surface.
//
// Two browsers that want to call each other connect to GET /signal with the
// same connectionId. The first becomes the offering side, the second the
// answering side, and the relay forwards offers, answers and ICE candidates
// between them until either leaves or the session budget runs out.
package signaling
