package tasks

import "log/slog"

// RegisterBuiltins registers every built-in task in reg.
func RegisterBuiltins(reg *Registry, logger *slog.Logger) error {
	all := make([]Task, 0, 8)

	exprTasks, err := ExpressionTasks()
	if err != nil {
		return err
	}
	all = append(all, exprTasks...)
	all = append(all, UtilTasks(logger)...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
