// Package extractors derives summary quantities from solution and case series:
// daily increments, threshold crossings, peaks, growth rates and surges.
package extractors
