// Package risk estimates the probability that imported cases seed a sustained
// local outbreak.
//
// Each imported case starts a branching process whose offspring follow a
// Poisson or negative-binomial law with mean R_loc; z(R_loc) is the
// probability such a chain dies out. With n ~ Binomial(N, θ) independent
// chains, the outbreak risk is
//
//	risk(N, θ, R_loc) = 1 − Σ_{n<MaxTerms} P(n) z^n
//
// evaluated over the Cartesian product of reach N, connectivity θ and R_loc.
// Grids use the axis order (reach, connectivity, R_loc) with R_loc varying
// fastest.
package risk
