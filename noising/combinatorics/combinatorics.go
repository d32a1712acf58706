// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package combinatorics implements the counting and ranking primitives
// behind source noising: binomial coefficients, the combinatorial number
// system, stars-and-bars sequence decoding, and the differential-privacy
// flip probability derived from the output state count.
package combinatorics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/combin"
)

// Caps on the flexible event-level configuration. Configurations beyond
// these bounds are rejected before any state counting happens.
const (
	MaxTriggerDataCardinality = 8
	MaxReportingWindows       = 5
	MaxReportStates           = 20
)

// BinomialCoefficient returns C(n, k), or 0 when k exceeds n.
func BinomialCoefficient(n, k int) int64 {
	if k > n {
		return 0
	}
	if k == 0 || k == n {
		return 1
	}
	return int64(combin.Binomial(n, k))
}

// KCombinationAtIndex returns the combinatorialIndex-th lexicographic
// k-combination of non-negative integers, in decreasing order. The encoding
// is the combinatorial number system: the sum of C(result[i], k-i) over the
// result equals the index.
func KCombinationAtIndex(combinatorialIndex int64, k int) []int64 {
	result := make([]int64, k)
	if k == 0 {
		return result
	}
	// Find each element by walking the largest binomial coefficient not
	// exceeding what remains of the index.
	target := combinatorialIndex
	candidate := int64(k - 1)
	for BinomialCoefficient(int(candidate+1), k) <= target {
		candidate++
	}
	for i := 0; i < k; i++ {
		choose := k - i
		for BinomialCoefficient(int(candidate), choose) > target {
			candidate--
		}
		result[i] = candidate
		target -= BinomialCoefficient(int(candidate), choose)
	}
	return result
}

// StarIndices returns the star positions for the sequenceIndex-th
// arrangement of numStars stars among bars, as positions in the combined
// star/bar sequence, in decreasing order.
func StarIndices(numStars int, sequenceIndex int64) []int64 {
	return KCombinationAtIndex(sequenceIndex, numStars)
}

// BarsPrecedingEachStar converts decreasing star positions into the number
// of bars preceding each star.
func BarsPrecedingEachStar(starIndices []int64) []int64 {
	result := make([]int64, len(starIndices))
	for i, star := range starIndices {
		// stars before this one in the sequence
		starsBefore := int64(len(starIndices) - 1 - i)
		result[i] = star - starsBefore
	}
	return result
}

// NumStatesArithmetic counts the output states for a source allowing
// totalIncrements reports over triggerDataCardinality data values and
// numWindows reporting windows: C(increments + data*windows, increments).
// Returns an error when the count overflows a 32-bit integer.
func NumStatesArithmetic(totalIncrements, triggerDataCardinality, numWindows int) (int64, error) {
	product, err := multiplyInt32(triggerDataCardinality, numWindows)
	if err != nil {
		return 0, err
	}
	n, err := addInt32(totalIncrements, product)
	if err != nil {
		return 0, err
	}
	states := BinomialCoefficient(n, totalIncrements)
	if states > math.MaxInt32 {
		return 0, fmt.Errorf("state count %d overflows int32", states)
	}
	return states, nil
}

func multiplyInt32(a, b int) (int, error) {
	r := int64(a) * int64(b)
	if r > math.MaxInt32 || r < math.MinInt32 {
		return 0, fmt.Errorf("integer overflow multiplying %d and %d", a, b)
	}
	return int(r), nil
}

func addInt32(a, b int) (int, error) {
	r := int64(a) + int64(b)
	if r > math.MaxInt32 || r < math.MinInt32 {
		return 0, fmt.Errorf("integer overflow adding %d and %d", a, b)
	}
	return int(r), nil
}

// NumStatesFlexAPI counts the output states for a flexible event
// configuration: the number of ways to place reports across trigger data
// types and their windows subject to the per-type caps and the total cap.
// Returns -1 when the configuration exceeds the supported bounds.
func NumStatesFlexAPI(totalCap int, perTypeNumWindows, perTypeCaps []int) int64 {
	if len(perTypeNumWindows) != len(perTypeCaps) {
		return -1
	}
	if len(perTypeCaps) > MaxTriggerDataCardinality {
		return -1
	}
	capSum := 0
	for i, w := range perTypeNumWindows {
		if w > MaxReportingWindows {
			return -1
		}
		capSum += perTypeCaps[i]
	}
	if capSum > MaxReportStates {
		return -1
	}
	if capSum < totalCap {
		totalCap = capSum
	}
	// dp[j] counts arrangements using j reports across the types seen so
	// far; each type contributes C(c + w - 1, c) ways to spread c reports
	// over w windows.
	dp := make([]int64, totalCap+1)
	dp[0] = 1
	for i := range perTypeCaps {
		next := make([]int64, totalCap+1)
		for j := 0; j <= totalCap; j++ {
			if dp[j] == 0 {
				continue
			}
			for c := 0; c <= perTypeCaps[i] && j+c <= totalCap; c++ {
				next[j+c] += dp[j] * BinomialCoefficient(c+perTypeNumWindows[i]-1, c)
			}
		}
		dp = next
	}
	var total int64
	for _, v := range dp {
		total += v
	}
	return total
}

// FlipProbability returns the randomized-response flip probability for a
// source with numStates output states under privacy budget epsilon.
func FlipProbability(numStates int64, epsilon float64) float64 {
	n := float64(numStates)
	return n / (n - 1 + math.Exp(epsilon))
}

// InformationGain returns the channel capacity in bits of the randomized
// response over numStates states with the given flip probability.
func InformationGain(numStates int64, flipProbability float64) float64 {
	if numStates <= 1 {
		return 0
	}
	n := float64(numStates)
	fakeProbability := flipProbability * (n - 1) / n
	trueProbability := 1 - fakeProbability
	gain := log2(n)
	gain += trueProbability * log2(trueProbability)
	gain += (n - 1) * (fakeProbability / (n - 1)) * log2(fakeProbability/(n-1))
	return gain
}

func log2(v float64) float64 {
	return math.Log(v) / math.Log(2)
}

// AtomReportState is one fake report atom: a trigger data type index and the
// window it lands in.
type AtomReportState struct {
	TriggerDataType int
	WindowIndex     int
}

// ReportSetBasedOnRank decodes rank (in [0, NumStatesFlexAPI)) into the set
// of report atoms it denotes. The mapping is a bijection over the valid
// report sets for the configuration.
func ReportSetBasedOnRank(totalCap int, perTypeNumWindows, perTypeCaps []int, rank int64) []AtomReportState {
	capSum := 0
	for _, c := range perTypeCaps {
		capSum += c
	}
	if capSum < totalCap {
		totalCap = capSum
	}
	var atoms []AtomReportState
	decodeReportSet(totalCap, perTypeNumWindows, perTypeCaps, 0, rank, &atoms)
	return atoms
}

// decodeReportSet peels types off the front: for type i with count c the
// contribution is starsAndBars(c, windows-1) arrangements times the number
// of arrangements of the remaining budget over the remaining types.
func decodeReportSet(budget int, perTypeNumWindows, perTypeCaps []int, typeIndex int, rank int64, atoms *[]AtomReportState) {
	if typeIndex >= len(perTypeCaps) {
		return
	}
	windows := perTypeNumWindows[typeIndex]
	maxCount := perTypeCaps[typeIndex]
	if maxCount > budget {
		maxCount = budget
	}
	for c := 0; c <= maxCount; c++ {
		arrangements := BinomialCoefficient(c+windows-1, c)
		rest := NumStatesFlexAPI(budget-c, perTypeNumWindows[typeIndex+1:], perTypeCaps[typeIndex+1:])
		block := arrangements * rest
		if rank >= block {
			rank -= block
			continue
		}
		arrangementRank := rank / rest
		// Decode which window each of the c reports lands in.
		stars := StarIndices(c, arrangementRank)
		bars := BarsPrecedingEachStar(stars)
		for _, b := range bars {
			*atoms = append(*atoms, AtomReportState{TriggerDataType: typeIndex, WindowIndex: int(b)})
		}
		decodeReportSet(budget-c, perTypeNumWindows, perTypeCaps, typeIndex+1, rank%rest, atoms)
		return
	}
}
