// Package calibrate fits the transmission, incubation and recovery rates of the
// staged SEIR model to observed case series by Levenberg–Marquardt least squares.
//
// Initial compartment values are fixed inputs of a Problem. The fitted rates
// are a named ParamSet whose free members are exchanged with the optimizer as
// a plain vector through ParamSet.Free and ParamSet.WithFree.
package calibrate
