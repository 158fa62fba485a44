// Package seir defines the staged SEIR compartmental model: the state vector,
// rate parameters derived from epidemiological inputs, the intervention control
// schedule and the right-hand side of the differential equations.
//
// The exposed compartment is split into two substages and the infectious
// compartment into three, giving Gamma-distributed sojourn times. A cumulative
// counter tracks incidence and is excluded from the conserved population mass.
package seir
