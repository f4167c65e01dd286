package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"labtasker/internal/filter"
)

func TestTranspile(t *testing.T) {
	cases := []struct {
		expr string
		want filter.Filter
	}{
		// Plain comparisons.
		{`priority == 10`, filter.Filter{"priority": filter.Filter{"$eq": int64(10)}}},
		{`priority > 5`, filter.Filter{"priority": filter.Filter{"$gt": int64(5)}}},
		{`priority >= 10`, filter.Filter{"priority": filter.Filter{"$gte": int64(10)}}},
		{`priority < 20`, filter.Filter{"priority": filter.Filter{"$lt": int64(20)}}},
		{`priority <= 20`, filter.Filter{"priority": filter.Filter{"$lte": int64(20)}}},
		{`lr == 0.1`, filter.Filter{"lr": filter.Filter{"$eq": 0.1}}},
		{`status == "pending"`, filter.Filter{"status": filter.Filter{"$eq": "pending"}}},
		{`status == 'pending'`, filter.Filter{"status": filter.Filter{"$eq": "pending"}}},
		{`done == True`, filter.Filter{"done": filter.Filter{"$eq": true}}},
		{`done == False`, filter.Filter{"done": filter.Filter{"$eq": false}}},
		{`tag == None`, filter.Filter{"tag": filter.Filter{"$eq": nil}}},
		{`priority == -1`, filter.Filter{"priority": filter.Filter{"$eq": int64(-1)}}},

		// Dotted and subscripted paths.
		{`args.model.name == "resnet"`, filter.Filter{"args.model.name": filter.Filter{"$eq": "resnet"}}},
		{`args["model"].name == "resnet"`, filter.Filter{"args.model.name": filter.Filter{"$eq": "resnet"}}},
		{`args.layers[0] == 64`, filter.Filter{"args.layers.0": filter.Filter{"$eq": int64(64)}}},

		// Mirrored literal-first comparisons.
		{`10 <= priority`, filter.Filter{"priority": filter.Filter{"$gte": int64(10)}}},
		{`20 > priority`, filter.Filter{"priority": filter.Filter{"$lt": int64(20)}}},
		{`"pending" == status`, filter.Filter{"status": filter.Filter{"$eq": "pending"}}},

		// Membership.
		{`status in ["pending", "running"]`, filter.Filter{"status": filter.Filter{"$in": []any{"pending", "running"}}}},
		{`priority in [0, 10, 20]`, filter.Filter{"priority": filter.Filter{"$in": []any{int64(0), int64(10), int64(20)}}}},
		{`priority in [-1, 1]`, filter.Filter{"priority": filter.Filter{"$in": []any{int64(-1), int64(1)}}}},

		// Logical combinations.
		{`priority >= 10 and status == "pending"`, filter.Filter{"$and": []any{
			filter.Filter{"priority": filter.Filter{"$gte": int64(10)}},
			filter.Filter{"status": filter.Filter{"$eq": "pending"}},
		}}},
		{`status == "failed" or status == "cancelled"`, filter.Filter{"$or": []any{
			filter.Filter{"status": filter.Filter{"$eq": "failed"}},
			filter.Filter{"status": filter.Filter{"$eq": "cancelled"}},
		}}},
		{`a == 1 and b == 2 and c == 3`, filter.Filter{"$and": []any{
			filter.Filter{"a": filter.Filter{"$eq": int64(1)}},
			filter.Filter{"b": filter.Filter{"$eq": int64(2)}},
			filter.Filter{"c": filter.Filter{"$eq": int64(3)}},
		}}},
		{`(a == 1 or b == 2) and c == 3`, filter.Filter{"$and": []any{
			filter.Filter{"$or": []any{
				filter.Filter{"a": filter.Filter{"$eq": int64(1)}},
				filter.Filter{"b": filter.Filter{"$eq": int64(2)}},
			}},
			filter.Filter{"c": filter.Filter{"$eq": int64(3)}},
		}}},

		// Function calls.
		{`regex(task_name, "^train-")`, filter.Filter{"task_name": filter.Filter{"$regex": "^train-"}}},
		{`regex(args.model.name, "net$")`, filter.Filter{"args.model.name": filter.Filter{"$regex": "net$"}}},
		{`exists(args.lr)`, filter.Filter{"args.lr": filter.Filter{"$exists": true}}},
		{`exists(args.lr, False)`, filter.Filter{"args.lr": filter.Filter{"$exists": false}}},
		{`exists(args.lr, True)`, filter.Filter{"args.lr": filter.Filter{"$exists": true}}},

		// Arithmetic lowers to $expr with existence guards.
		{`retries + 1 < max_retries`, filter.Filter{"$and": []any{
			filter.Filter{
				"retries":     filter.Filter{"$exists": true},
				"max_retries": filter.Filter{"$exists": true},
			},
			filter.Filter{"$expr": map[string]any{"$lt": []any{
				map[string]any{"$add": []any{"$retries", int64(1)}},
				"$max_retries",
			}}},
		}}},
		{`args.a == args.b`, filter.Filter{"$and": []any{
			filter.Filter{
				"args.a": filter.Filter{"$exists": true},
				"args.b": filter.Filter{"$exists": true},
			},
			filter.Filter{"$expr": map[string]any{"$eq": []any{"$args.a", "$args.b"}}},
		}}},
		{`priority * 2 >= 20`, filter.Filter{"$and": []any{
			filter.Filter{"priority": filter.Filter{"$exists": true}},
			filter.Filter{"$expr": map[string]any{"$gte": []any{
				map[string]any{"$multiply": []any{"$priority", int64(2)}},
				int64(20),
			}}},
		}}},
		{`retries % 2 == 0`, filter.Filter{"$and": []any{
			filter.Filter{"retries": filter.Filter{"$exists": true}},
			filter.Filter{"$expr": map[string]any{"$eq": []any{
				map[string]any{"$mod": []any{"$retries", int64(2)}},
				int64(0),
			}}},
		}}},
		{`lr / 2 < 0.01`, filter.Filter{"$and": []any{
			filter.Filter{"lr": filter.Filter{"$exists": true}},
			filter.Filter{"$expr": map[string]any{"$lt": []any{
				map[string]any{"$divide": []any{"$lr", int64(2)}},
				0.01,
			}}},
		}}},
		{`a - b > 0`, filter.Filter{"$and": []any{
			filter.Filter{
				"a": filter.Filter{"$exists": true},
				"b": filter.Filter{"$exists": true},
			},
			filter.Filter{"$expr": map[string]any{"$gt": []any{
				map[string]any{"$subtract": []any{"$a", "$b"}},
				int64(0),
			}}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Transpile(tc.expr)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTranspileRejects(t *testing.T) {
	cases := []struct {
		expr string
		kind ErrorKind
	}{
		{``, ErrUnsupported},
		{`   `, ErrUnsupported},
		{`not status == "pending"`, ErrUnsupported},
		{`status != "pending"`, ErrUnsupported},
		{`0 < priority < 20`, ErrUnsupported},
		{`a < b < c`, ErrUnsupported},
		{`priority`, ErrUnsupported},
		{`42`, ErrUnsupported},
		{`"pending"`, ErrUnsupported},
		{`frobnicate(args.lr)`, ErrUnsupported},
		{`regex(task_name)`, ErrUnsupported},
		{`regex("^x", task_name)`, ErrUnsupported},
		{`exists()`, ErrUnsupported},
		{`exists(args.lr, "yes")`, ErrUnsupported},
		{`status in "pending"`, ErrUnsupported},
		{`[1, 2] == args.x`, ErrUnsupported},
		{`args.x == [1, 2]`, ErrUnsupported},
		{`[1, 2] < args.x`, ErrUnsupported},
		{`-task_name == 1`, ErrUnsupported},
		{`priority == `, ErrSyntax},
		{`(priority == 1`, ErrSyntax},
		{`priority === 1`, ErrSyntax},
		{`args..x == 1`, ErrSyntax},
		{`== 5`, ErrSyntax},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			_, err := Transpile(tc.expr)
			require.Error(t, err)
			var qerr *Error
			require.True(t, errors.As(err, &qerr), "expected *query.Error, got %T", err)
			require.Equal(t, tc.kind, qerr.Kind)
		})
	}
}
