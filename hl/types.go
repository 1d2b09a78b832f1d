package hl

// Fill is the exchange's wire representation of a trade execution as returned
// by the info endpoint and the userFills stream. Numeric amounts arrive as
// strings and stay strings until conversion so no precision is lost.
type Fill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"`
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Oid           int64  `json:"oid"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	Tid           int64  `json:"tid"`
	FeeToken      string `json:"feeToken,omitempty"`
	BuilderFee    string `json:"builderFee,omitempty"`
}

// userFillsByTimeRequest is the POST /info payload for time-paged fill
// queries.
type userFillsByTimeRequest struct {
	Type            string `json:"type"`
	User            string `json:"user"`
	StartTime       int64  `json:"startTime"`
	EndTime         *int64 `json:"endTime,omitempty"`
	AggregateByTime bool   `json:"aggregateByTime,omitempty"`
}
