package impairment

import (
	"fmt"
	"math"
)

// DefaultReorderWindow сколько последних еще не доставленных пакетов отправителя
// может "обогнать" новый пакет при срабатывании переупорядочивания.
// Окно ограничивает глубину переупорядочивания: пакет никогда не уходит раньше
// пакета, отправленного больше чем DefaultReorderWindow пакетов назад.
const DefaultReorderWindow = 3

// Config параметры эмуляции ненадежной сети
type Config struct {
	LossProbability    float64 `yaml:"loss_probability"`    // Вероятность потери [0,1]
	MeanDelayMs        float64 `yaml:"mean_delay_ms"`       // Средняя задержка доставки, мс
	JitterStdDevMs     float64 `yaml:"jitter_stddev_ms"`    // СКО задержки (нормальное распределение), мс
	ReorderProbability float64 `yaml:"reorder_probability"` // Вероятность переупорядочивания [0,1]
	ReorderWindow      int     `yaml:"reorder_window"`      // Окно просмотра назад (0 = DefaultReorderWindow)
	Seed               int64   `yaml:"seed"`                // Зерно генератора (0 = выбирается снаружи)
}

// ConfigError ошибка конфигурации модели искажений
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("некорректная конфигурация impairment: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Validate проверяет диапазоны значений. NaN и бесконечности недопустимы.
func (c Config) Validate() error {
	if !inRange(c.LossProbability, 0, 1) {
		return &ConfigError{Field: "loss_probability", Value: c.LossProbability, Reason: "должна быть в диапазоне [0,1]"}
	}
	if !inRange(c.ReorderProbability, 0, 1) {
		return &ConfigError{Field: "reorder_probability", Value: c.ReorderProbability, Reason: "должна быть в диапазоне [0,1]"}
	}
	if !inRange(c.MeanDelayMs, 0, maxDelayMs) {
		return &ConfigError{Field: "mean_delay_ms", Value: c.MeanDelayMs, Reason: fmt.Sprintf("должна быть в диапазоне [0,%d]", maxDelayMs)}
	}
	if !inRange(c.JitterStdDevMs, 0, maxDelayMs) {
		return &ConfigError{Field: "jitter_stddev_ms", Value: c.JitterStdDevMs, Reason: fmt.Sprintf("должно быть в диапазоне [0,%d]", maxDelayMs)}
	}
	if c.ReorderWindow < 0 {
		return &ConfigError{Field: "reorder_window", Value: c.ReorderWindow, Reason: "не может быть отрицательным"}
	}
	return nil
}

// Верхняя граница задержки и ее СКО, мс (сутки)
const maxDelayMs = 24 * 60 * 60 * 1000

// inRange false для NaN и значений вне [lo,hi]
func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

func (c Config) reorderWindow() int {
	if c.ReorderWindow == 0 {
		return DefaultReorderWindow
	}
	return c.ReorderWindow
}
