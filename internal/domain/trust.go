package domain

// TrustLevel описывает ступень доверия пользователя к проактивности.
type TrustLevel string

const (
	TrustNew         TrustLevel = "new"
	TrustBuilding    TrustLevel = "building"
	TrustEstablished TrustLevel = "established"
	TrustDeep        TrustLevel = "deep"
)

// trustOrder задаёт порядок ступеней для понижения.
var trustOrder = []TrustLevel{TrustNew, TrustBuilding, TrustEstablished, TrustDeep}

// Demote понижает ступень на steps, не опускаясь ниже new.
func (l TrustLevel) Demote(steps int) TrustLevel {
	idx := 0
	for i, level := range trustOrder {
		if level == l {
			idx = i
			break
		}
	}
	idx -= steps
	if idx < 0 {
		idx = 0
	}
	return trustOrder[idx]
}

// TrustInfo содержит вычисленные параметры проактивного бюджета пользователя.
type TrustInfo struct {
	Level             TrustLevel
	DaysActive        int
	TotalInteractions int
	ScoreThreshold    float64
	DailyCap          int
	MinUrgency        int
}
