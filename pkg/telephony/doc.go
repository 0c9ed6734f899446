// Package telephony реализует слой управления SIP сессиями поверх внешнего
// SIP/медиа движка.
//
// Слой не реализует SIP и медиа сам: он последовательно поднимает движок
// (create → init → transport + start), регистрирует аккаунт, создает вызовы,
// отправляет DTMF и реагирует на события движка. Движок подключается через
// интерфейс Engine, конкретная реализация на sipgo находится в пакете sipua.
//
// Основные возможности:
//   - Явный контекстный объект Telephony вместо глобального экземпляра
//   - Единая таксономия ошибок с признаком фатальности для стадий инициализации
//   - Маршалинг строк в представление движка с проверкой нулевых байтов
//   - Таблица обработчиков входящих вызовов (AutoAnswer / Ignore)
//   - Двусторонняя коммутация медиа вызова с локальным трактом
//   - Метрики Prometheus и структурированное логирование через slog
//
// Пример использования:
//
//	tel := telephony.New(engine, telephony.WithLogger(logger))
//	err := tel.Initialize(ctx, telephony.InitParams{
//		LogLevel:  4,
//		Policy:    telephony.AutoAnswer,
//		Transport: telephony.TransportSpec{Port: 5060, Mode: telephony.UDP},
//	})
//	if telephony.IsFatal(err) {
//		_ = tel.Destroy(ctx)
//		os.Exit(1)
//	}
//	_, err = tel.AddAccount(ctx, "alice", "pbx.example.com", "secret")
//	_, err = tel.MakeCall(ctx, "5551234", "pbx.example.com")
//	err = tel.SendDTMF(ctx, 5)
//	tel.HangupAll(ctx)
//	_ = tel.Destroy(ctx)
package telephony
