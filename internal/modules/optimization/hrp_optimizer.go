package optimization

import (
	"fmt"
	"math"

	"github.com/manujajay/portfolio-optimize/pkg/formulas"
)

// HRPOptimizer performs Hierarchical Risk Parity allocation.
type HRPOptimizer struct{}

// NewHRPOptimizer creates a new HRP optimizer.
func NewHRPOptimizer() *HRPOptimizer {
	return &HRPOptimizer{}
}

type clusterNode struct {
	left    *clusterNode
	right   *clusterNode
	leaves  []int
	minLeaf int
}

// Optimize returns long-only weights summing to 1, in the order of the covariance rows:
//  1. correlation from covariance
//  2. distance d_ij = sqrt(2 * (1 - ρ_ij))
//  3. agglomerative clustering with a deterministic tie-break
//  4. quasi-diagonal leaf order
//  5. recursive bisection with inverse-variance cluster variances
func (h *HRPOptimizer) Optimize(cov [][]float64, linkage Linkage) ([]float64, error) {
	n := len(cov)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty covariance matrix", ErrInsufficientData)
	}
	if n == 1 {
		return []float64{1.0}, nil
	}

	corr, err := formulas.CorrelationMatrixFromCovariance(cov)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateInput, err)
	}
	dist := formulas.CorrelationToDistance(corr)

	if linkage == "" {
		linkage = LinkageSingle
	}

	order := h.quasiDiagonalOrder(h.buildDendrogram(dist, linkage))
	if len(order) != n {
		return nil, fmt.Errorf("%w: cluster order has %d leaves for %d assets", ErrDegenerateInput, len(order), n)
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0
	}
	h.bisect(weights, cov, order)

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: invalid weight sum %v", ErrDegenerateInput, sum)
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights, nil
}

func (h *HRPOptimizer) buildDendrogram(dist [][]float64, linkage Linkage) *clusterNode {
	clusters := make([]*clusterNode, len(dist))
	for i := range dist {
		clusters[i] = &clusterNode{leaves: []int{i}, minLeaf: i}
	}

	for len(clusters) > 1 {
		bestI, bestJ := 0, 1
		bestD := h.clusterDistance(dist, clusters[0], clusters[1], linkage)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := h.clusterDistance(dist, clusters[i], clusters[j], linkage)
				if d < bestD || (d == bestD && pairLess(clusters[i], clusters[j], clusters[bestI], clusters[bestJ])) {
					bestD, bestI, bestJ = d, i, j
				}
			}
		}

		left, right := clusters[bestI], clusters[bestJ]
		if right.minLeaf < left.minLeaf {
			left, right = right, left
		}
		leaves := make([]int, 0, len(left.leaves)+len(right.leaves))
		leaves = append(leaves, left.leaves...)
		leaves = append(leaves, right.leaves...)
		merged := &clusterNode{left: left, right: right, leaves: leaves, minLeaf: left.minLeaf}

		next := make([]*clusterNode, 0, len(clusters)-1)
		for k, c := range clusters {
			if k != bestI && k != bestJ {
				next = append(next, c)
			}
		}
		clusters = append(next, merged)
	}
	return clusters[0]
}

// pairLess orders cluster pairs by their smallest leaf indices.
func pairLess(a1, b1, a2, b2 *clusterNode) bool {
	x1, y1 := a1.minLeaf, b1.minLeaf
	if y1 < x1 {
		x1, y1 = y1, x1
	}
	x2, y2 := a2.minLeaf, b2.minLeaf
	if y2 < x2 {
		x2, y2 = y2, x2
	}
	if x1 != x2 {
		return x1 < x2
	}
	return y1 < y2
}

func (h *HRPOptimizer) clusterDistance(dist [][]float64, a, b *clusterNode, linkage Linkage) float64 {
	switch linkage {
	case LinkageComplete:
		worst := math.Inf(-1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				worst = math.Max(worst, dist[i][j])
			}
		}
		return worst
	case LinkageAverage:
		sum := 0.0
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				sum += dist[i][j]
			}
		}
		return sum / float64(len(a.leaves)*len(b.leaves))
	default:
		best := math.Inf(1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				best = math.Min(best, dist[i][j])
			}
		}
		return best
	}
}

func (h *HRPOptimizer) quasiDiagonalOrder(node *clusterNode) []int {
	if node == nil {
		return nil
	}
	if node.left == nil && node.right == nil {
		return []int{node.leaves[0]}
	}
	return append(h.quasiDiagonalOrder(node.left), h.quasiDiagonalOrder(node.right)...)
}

func (h *HRPOptimizer) bisect(weights []float64, cov [][]float64, order []int) {
	if len(order) <= 1 {
		return
	}
	split := len(order) / 2
	left, right := order[:split], order[split:]

	vLeft := clusterVariance(cov, left)
	vRight := clusterVariance(cov, right)

	alpha := 0.5
	if vLeft+vRight > 0 {
		alpha = 1.0 - vLeft/(vLeft+vRight)
	}
	alpha = math.Max(0.0, math.Min(1.0, alpha))

	for _, i := range left {
		weights[i] *= alpha
	}
	for _, i := range right {
		weights[i] *= 1.0 - alpha
	}

	h.bisect(weights, cov, left)
	h.bisect(weights, cov, right)
}

// clusterVariance is the variance of the inverse-variance portfolio of the cluster.
func clusterVariance(cov [][]float64, idx []int) float64 {
	if len(idx) == 1 {
		return math.Max(cov[idx[0]][idx[0]], 0.0)
	}

	variances := make([]float64, len(idx))
	for k, i := range idx {
		variances[k] = math.Max(cov[i][i], 1e-12)
	}
	w := formulas.InverseVarianceWeights(variances)

	v := 0.0
	for a, i := range idx {
		for b, j := range idx {
			v += w[a] * cov[i][j] * w[b]
		}
	}
	return math.Max(v, 0.0)
}
