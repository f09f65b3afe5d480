package syncache

import "context"

// SafeCreate is Create with errors folded into the result.
func SafeCreate(ctx context.Context, m Manager, in Input) Result {
	res, err := m.Create(ctx, in)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return res
}

func SafeUpdate(ctx context.Context, m Manager, id int64, p Patch) Result {
	d, err := m.Update(ctx, id, p)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Deduction: &d}
}

func SafeDelete(ctx context.Context, m Manager, id int64) Result {
	if err := m.Delete(ctx, id); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true}
}
