package labelstats

import "testing"

func TestAddSub(t *testing.T) {
	left := Stats{Count: 3, Sum: 6, SumSquares: 14}
	right := Stats{Count: 2, Sum: -1, SumSquares: 3}
	parent := Add(left, right)
	if parent.Count != 5 || parent.Sum != 5 || parent.SumSquares != 17 {
		t.Fatalf("unexpected parent stats: %+v", parent)
	}
	sibling := Sub(parent, left)
	if sibling.Count != right.Count || sibling.Sum != right.Sum || sibling.SumSquares != right.SumSquares {
		t.Fatalf("Sub(Add(a,b), a) != b, got %+v want %+v", sibling, right)
	}
}

func TestAddClassSums(t *testing.T) {
	left := Stats{Count: 2, ClassSums: []float64{1, 0, 2}}
	right := Stats{Count: 3, ClassSums: []float64{0, 4, 1}}
	sum := Add(left, right)
	want := []float64{1, 4, 3}
	for i, v := range want {
		if sum.ClassSums[i] != v {
			t.Fatalf("ClassSums[%d] = %v, want %v", i, sum.ClassSums[i], v)
		}
	}
}

func TestMeanVarianceZeroCount(t *testing.T) {
	var s Stats
	if s.Mean() != 0 || s.Variance() != 0 {
		t.Fatalf("zero-count stats should have zero mean/variance, got mean=%v var=%v", s.Mean(), s.Variance())
	}
}

func TestMean(t *testing.T) {
	s := Stats{Count: 4, Sum: 8}
	if got, want := s.Mean(), 2.0; got != want {
		t.Fatalf("Mean() = %v, want %v", got, want)
	}
}
