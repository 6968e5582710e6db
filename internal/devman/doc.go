// Package devman is a client for the Devman long-polling review API.
//
// A single Poll call blocks until the server reports new review attempts or its
// own polling window ends. Either way the response carries the cursor for the
// next call. Transport failures come back as *PollError, classified into
// TransientSilent, Transient and Fatal so callers can decide between retrying
// immediately, backing off or stopping.
package devman
