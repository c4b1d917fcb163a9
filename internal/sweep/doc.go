// Package sweep periodically demotes and evicts silent bots based on time
// elapsed since their last message. Demotion to Inactive happens before
// eviction within a single pass, so a bot crossing both thresholds at once
// is still observed as Inactive first.
package sweep
