/*
Package wastewatch estimates the environmental and monetary footprint of the prompts a user
sends to AI chat websites and keeps running totals of it.

The module is split along the contexts it runs in:

  - Page contexts run a capture engine (package capture) against the DOM of a chat site. The
    engine detects prompt submissions, waits for the streamed answer to stop growing and emits
    impact samples.
  - The background process owns the shared store (package store) through the persistence
    gateway (package gateway). It deduplicates samples with a fingerprint ledger (package
    ledger), appends them to a bounded history and keeps aggregate totals that can always be
    recomputed from that history.
  - The popup only reads the aggregate the background process publishes and can request a
    reset.

Contexts talk to each other through a message channel (internal/broker) carrying the message
kinds defined in package protocol; package relay wires the three roles together.

# Units

All energy values are joules. Water is in millilitres, carbon in grams of CO2 equivalent and cost
in US dollars. Conversion to watt-hours only happens when values are presented, see
[Impact.WattHours].

# Basic Usage

	registry := sites.Default()
	site := registry.Resolve("https://claude.ai/chat/123")

	engine, err := capture.New(doc, loop, *site, emitter)
	if err != nil {
		return err
	}
	engine.Start(ctx)
	defer engine.Stop()
*/
package wastewatch
