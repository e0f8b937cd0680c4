package clientdata

import "time"

// TTLPriceHistory is how long fetched daily bars are served without refetching.
// Bars only change after a session closes.
const TTLPriceHistory = 12 * time.Hour
