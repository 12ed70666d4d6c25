// Package events provides the fan-out pub/sub bus connecting the background
// subsystems (certificate monitor, proxy lifecycle, load optimizer) to the
// orchestrator and the status API.
//
// Publishing never blocks: subscribers that fall behind have events dropped
// rather than stalling the publisher.
package events
