// Package distance provides vector distance calculations for the index.
//
// # Supported Metrics
//
//   - MetricL2: Squared Euclidean distance (default)
//   - MetricCosine: Cosine distance over L2-normalized vectors
//   - MetricDot: negative inner product
//
// # Usage
//
//	dist := distance.SquaredL2(a, b)
//	f, _ := distance.Provider(distance.MetricL2)
package distance
