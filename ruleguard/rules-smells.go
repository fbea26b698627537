package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func smells(m dsl.Matcher) {
	// Consecutive guards returning the same value can merge.
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)

	// Nested loops over chunk/claim sets grow quadratically with corpus size.
	m.Match(`for $*_ { for $*_ { $*_ } }`).
		Report(`nested for-loop; consider extracting inner loop logic or reducing algorithmic complexity`)
}

func sqlHygiene(m dsl.Matcher) {
	// Direct Exec/Query without context loses cancellation on slow queries.
	m.Match(`$db.Exec($*args)`).
		Report(`use ExecContext so query cancellation propagates`).
		Suggest(`$db.ExecContext(ctx, $args)`)

	m.Match(`$db.Query($*args)`).
		Report(`use QueryContext so query cancellation propagates`).
		Suggest(`$db.QueryContext(ctx, $args)`)
}
